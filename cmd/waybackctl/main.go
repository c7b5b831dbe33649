package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/signalmap/waybackd/internal/api"
	"github.com/signalmap/waybackd/internal/client"
	"github.com/signalmap/waybackd/internal/logging"
)

const usage = `Usage: waybackctl [-server URL] <command> [flags]

Commands:
  submit   create a snapshot job (-wait polls until it finishes)
  status   show a job
  cancel   request cancellation of a job
  delete   delete a job
  list     list recent jobs
  fetch    run a synchronous fetch without a job

Example:
  waybackctl submit -platform instagram -identity natgeo -from 2012 -to 2024 -wait
`

func main() {
	// A missing .env is fine, the environment may be set directly.
	_ = godotenv.Load()

	os.Exit(run(os.Args[1:], os.Stdout, os.Stderr))
}

func run(args []string, stdout, stderr io.Writer) int {
	global := flag.NewFlagSet("waybackctl", flag.ContinueOnError)
	global.SetOutput(stderr)
	global.Usage = func() { fmt.Fprint(stderr, usage) }
	server := global.String("server", envOr("WAYBACKD_URL", "http://localhost:8080"), "waybackd base URL")
	logLevel := global.String("log-level", envOr("WAYBACKD_LOG_LEVEL", "warn"), "log level")
	if err := global.Parse(args); err != nil {
		return 2
	}
	if global.NArg() == 0 {
		global.Usage()
		return 2
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	c := client.New(client.Config{
		BaseURL: *server,
		Logger:  logging.NewWithWriter(stderr, *logLevel, "text"),
	})
	cmd := &command{client: c, out: stdout, errOut: stderr}

	name, rest := global.Arg(0), global.Args()[1:]
	var err error
	switch name {
	case "submit":
		err = cmd.submit(ctx, rest)
	case "status":
		err = cmd.status(ctx, rest)
	case "cancel":
		err = cmd.cancel(ctx, rest)
	case "delete":
		err = cmd.delete(ctx, rest)
	case "list":
		err = cmd.list(ctx, rest)
	case "fetch":
		err = cmd.fetch(ctx, rest)
	default:
		fmt.Fprintf(stderr, "unknown command %q\n\n", name)
		global.Usage()
		return 2
	}

	var usageErr usageError
	switch {
	case err == nil:
		return 0
	case errors.As(err, &usageErr):
		fmt.Fprintln(stderr, err)
		return 2
	default:
		fmt.Fprintf(stderr, "%s: %v\n", name, err)
		return 1
	}
}

type usageError string

func (e usageError) Error() string { return string(e) }

type command struct {
	client *client.Client
	out    io.Writer
	errOut io.Writer
}

// requestFlags registers the flags shared by submit and fetch.
func requestFlags(fs *flag.FlagSet) *api.CreateJobRequest {
	req := &api.CreateJobRequest{}
	fs.StringVar(&req.Platform, "platform", "", "instagram, twitter or youtube")
	fs.StringVar(&req.Identity, "identity", "", "handle, URL or channel id")
	fs.IntVar(&req.FromYear, "from", 0, "first year")
	fs.IntVar(&req.ToYear, "to", 0, "last year")
	fs.StringVar(&req.FromDate, "from-date", "", "start date (YYYY-MM-DD)")
	fs.StringVar(&req.ToDate, "to-date", "", "end date (YYYY-MM-DD)")
	fs.IntVar(&req.Sample, "sample", 0, "snapshots to sample")
	return req
}

func (c *command) submit(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("submit", flag.ContinueOnError)
	fs.SetOutput(c.errOut)
	req := requestFlags(fs)
	wait := fs.Bool("wait", false, "poll until the job finishes")
	if err := fs.Parse(args); err != nil {
		return usageError(err.Error())
	}
	if req.Identity == "" {
		return usageError("submit: -identity is required")
	}

	if !*wait {
		sub, err := c.client.Submit(ctx, *req)
		if err != nil {
			return err
		}
		return c.print(sub)
	}

	res, err := c.client.Run(ctx, *req, func(j *api.Job) {
		fmt.Fprintf(c.errOut, "\r%-9s %d/%d", j.Status, j.Processed, j.Total)
	})
	fmt.Fprintln(c.errOut)
	if err != nil {
		return err
	}
	if res.Direct != nil {
		return c.print(res.Direct)
	}
	return c.print(res.Job)
}

func (c *command) status(ctx context.Context, args []string) error {
	id, err := jobID("status", args)
	if err != nil {
		return err
	}
	job, err := c.client.Job(ctx, id)
	if err != nil {
		return err
	}
	return c.print(job)
}

func (c *command) cancel(ctx context.Context, args []string) error {
	id, err := jobID("cancel", args)
	if err != nil {
		return err
	}
	res, err := c.client.Cancel(ctx, id)
	if err != nil {
		return err
	}
	return c.print(res)
}

func (c *command) delete(ctx context.Context, args []string) error {
	id, err := jobID("delete", args)
	if err != nil {
		return err
	}
	if err := c.client.Delete(ctx, id); err != nil {
		return err
	}
	return c.print(api.DeleteResponse{Deleted: true})
}

func (c *command) list(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("list", flag.ContinueOnError)
	fs.SetOutput(c.errOut)
	identity := fs.String("identity", "", "only jobs for this identity")
	platform := fs.String("platform", "", "only jobs for this platform")
	limit := fs.Int("limit", 20, "maximum jobs")
	if err := fs.Parse(args); err != nil {
		return usageError(err.Error())
	}
	jobs, err := c.client.List(ctx, *identity, *platform, *limit)
	if err != nil {
		return err
	}
	for _, j := range jobs {
		fmt.Fprintf(c.out, "%s  %-9s %-9s %-24s %d/%d  %s\n",
			j.ID, j.Status, j.Platform, j.Identity, j.Processed, j.Total, j.CreatedAt.Format(time.RFC3339))
	}
	return nil
}

func (c *command) fetch(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("fetch", flag.ContinueOnError)
	fs.SetOutput(c.errOut)
	req := requestFlags(fs)
	if err := fs.Parse(args); err != nil {
		return usageError(err.Error())
	}
	if req.Identity == "" {
		return usageError("fetch: -identity is required")
	}
	res, err := c.client.Direct(ctx, *req)
	if err != nil {
		return err
	}
	return c.print(res)
}

func (c *command) print(v any) error {
	enc := json.NewEncoder(c.out)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func jobID(cmd string, args []string) (string, error) {
	if len(args) != 1 || args[0] == "" {
		return "", usageError(fmt.Sprintf("usage: waybackctl %s <job-id>", cmd))
	}
	return args[0], nil
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
