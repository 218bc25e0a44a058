// Command zibra calls, lists and subscribes to methods of a zibra server.
package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	kingpin "github.com/alecthomas/kingpin/v2"
	"github.com/goccy/go-json"
	"github.com/sirupsen/logrus"

	"zibra/client"
	"zibra/config"
	"zibra/logger"
)

var (
	app        = kingpin.New("zibra", "Command line client for zibra servers.")
	configPath = app.Flag("config", "JSON config file.").Short('c').Envar("ZIBRA_CONFIG").String()
	uris       = app.Flag("uri", "Server URI, repeatable.").Short('u').Strings()
	timeout    = app.Flag("timeout", "Per call timeout.").Duration()

	callCmd    = app.Command("call", "Invoke a method and print its result as JSON.")
	callMethod = callCmd.Arg("method", "Method name.").Required().String()
	callArgs   = callCmd.Arg("args", "Arguments as JSON values; anything else is sent as a string.").Strings()
	callByRef  = callCmd.Flag("byref", "Print the arguments as updated by the server.").Bool()
	callOneway = callCmd.Flag("oneway", "Do not wait for the result.").Bool()

	listCmd = app.Command("list", "List the methods a server publishes.")

	subCmd   = app.Command("subscribe", "Print every message pushed on a topic.")
	subTopic = subCmd.Arg("topic", "Topic name.").Required().String()
	subID    = subCmd.Flag("id", "Subscriber id; the server picks one when empty.").String()
)

func main() {
	cmd := kingpin.MustParse(app.Parse(os.Args[1:]))

	conf, err := config.LoadClient(*configPath)
	kingpin.FatalIfError(err, "load config")
	if len(*uris) > 0 {
		conf.URIs = *uris
	}
	if *timeout > 0 {
		conf.Timeout = config.Duration(*timeout)
	}
	log := logrus.NewEntry(logger.New(conf.LogLevel, "")).WithField("prefix", "zibra")

	reg, err := conf.Etcd.Registry()
	kingpin.FatalIfError(err, "connect registry")
	opts, err := conf.Options(log, reg)
	kingpin.FatalIfError(err, "client options")
	c := client.NewClient(conf.URIs, opts...)
	defer c.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	switch cmd {
	case callCmd.FullCommand():
		err = call(ctx, c, os.Stdout, *callMethod, *callArgs, *callByRef, *callOneway)
	case listCmd.FullCommand():
		err = list(ctx, c, os.Stdout)
	case subCmd.FullCommand():
		err = subscribe(ctx, c, os.Stdout, *subTopic, *subID)
	}
	if reg != nil {
		reg.Close()
	}
	kingpin.FatalIfError(err, "%s", cmd)
}

// parseArgs decodes each argument as JSON, keeping it as a plain string when
// it is not valid JSON.
func parseArgs(raw []string) []any {
	args := make([]any, len(raw))
	for i, s := range raw {
		var v any
		if err := json.Unmarshal([]byte(s), &v); err != nil {
			v = s
		}
		args[i] = v
	}
	return args
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func call(ctx context.Context, c *client.Client, w io.Writer, method string, raw []string, byref, oneway bool) error {
	args := parseArgs(raw)
	if oneway {
		if err := c.Oneway(ctx, method, args); err != nil {
			return err
		}
		// give the background send a moment before the process exits
		time.Sleep(100 * time.Millisecond)
		return nil
	}
	var result any
	if err := c.Invoke(ctx, method, args, &result, client.ByRef(byref)); err != nil {
		return err
	}
	if byref {
		return printJSON(w, map[string]any{"result": result, "args": args})
	}
	return printJSON(w, result)
}

func list(ctx context.Context, c *client.Client, w io.Writer) error {
	names, err := c.Functions(ctx)
	if err != nil {
		return err
	}
	for _, name := range names {
		fmt.Fprintln(w, name)
	}
	return nil
}

func subscribe(ctx context.Context, c *client.Client, w io.Writer, topic, id string) error {
	msgs := make(chan any, 16)
	id, err := c.Subscribe(ctx, topic, id, func(msg any) { msgs <- msg })
	if err != nil {
		return err
	}
	fmt.Fprintf(os.Stderr, "subscribed to %s as %s\n", topic, id)
	defer c.Unsubscribe(topic, id)
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg := <-msgs:
			if err := printJSON(w, msg); err != nil {
				return err
			}
		}
	}
}
