// soullink-cli drives a running daemon over the bus: send chat turns,
// apply expressions and presets, poke single channels, and inspect
// status.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/nanlingyin/SoulLink-Live2D/internal/bus"
	"github.com/nanlingyin/SoulLink-Live2D/internal/config"
	"github.com/nanlingyin/SoulLink-Live2D/internal/protocol"
)

var version = "0.1.0-dev"

const defaultServer = "nats://127.0.0.1:4222"

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(2)
	}

	var err error
	switch os.Args[1] {
	case "say":
		err = runSay(os.Args[2:])
	case "expr":
		err = runExpr(os.Args[2:])
	case "preset":
		err = runPreset(os.Args[2:])
	case "param":
		err = runParam(os.Args[2:])
	case "reset":
		err = runReset(os.Args[2:])
	case "status":
		err = runStatus(os.Args[2:])
	case "version":
		fmt.Println(version)
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q\n", os.Args[1])
		usage()
		os.Exit(2)
	}
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, `usage: soullink-cli <command> [flags]

commands:
  say      send a chat message and print the reply
  expr     apply a raw parameter expression
  preset   apply a named preset expression
  param    set a single channel value
  reset    revert all channels to defaults
  status   print daemon status
  version  print version`)
}

func connect(server string) (*bus.Client, error) {
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))
	return bus.Connect(context.Background(), config.BusConfig{
		Servers:        []string{server},
		ConnectTimeout: 5000,
	}, logger)
}

func publish(server, subject string, v any) error {
	c, err := connect(server)
	if err != nil {
		return err
	}
	defer c.Close()
	if err := c.PublishJSON(subject, v); err != nil {
		return err
	}
	return c.Conn().Flush()
}

func runSay(args []string) error {
	fs := flag.NewFlagSet("say", flag.ExitOnError)
	server := fs.String("server", defaultServer, "NATS server URL")
	contextText := fs.String("context", "", "Extra context for the reply")
	wait := fs.Duration("wait", 35*time.Second, "How long to wait for the reply")
	fs.Parse(args)

	message := strings.TrimSpace(strings.Join(fs.Args(), " "))
	if message == "" {
		return fmt.Errorf("say: message required")
	}

	c, err := connect(*server)
	if err != nil {
		return err
	}
	defer c.Close()

	replies := make(chan protocol.TranscriptEvent, 8)
	sub, err := bus.SubscribeJSON(c, protocol.SubjectEventTranscript, func(evt protocol.TranscriptEvent) {
		replies <- evt
	})
	if err != nil {
		return err
	}
	defer sub.Unsubscribe()

	if err := c.PublishJSON(protocol.SubjectCmdChat, protocol.ChatCommand{
		Message: message,
		Context: *contextText,
	}); err != nil {
		return err
	}
	if err := c.Conn().Flush(); err != nil {
		return err
	}

	deadline := time.After(*wait)
	for {
		select {
		case evt := <-replies:
			if evt.Message != message {
				continue
			}
			if evt.Error != "" {
				return fmt.Errorf("chat failed: %s", evt.Error)
			}
			fmt.Println(evt.Reply)
			return nil
		case <-deadline:
			return fmt.Errorf("no reply within %s", *wait)
		}
	}
}

func runExpr(args []string) error {
	fs := flag.NewFlagSet("expr", flag.ExitOnError)
	server := fs.String("server", defaultServer, "NATS server URL")
	params := fs.String("params", "", "Comma-separated channel=value pairs")
	duration := fs.Int("duration", 0, "Transition duration in milliseconds (0 = default)")
	easing := fs.String("easing", "", "Easing curve name")
	autoReset := fs.Bool("autoreset", false, "Revert to defaults after the hold delay")
	fs.Parse(args)

	values, err := parseParams(*params)
	if err != nil {
		return err
	}
	if len(values) == 0 {
		return fmt.Errorf("expr: -params required, e.g. -params ParamMouthForm=1,ParamEyeLOpen=0.4")
	}
	return publish(*server, protocol.SubjectCmdExpression, protocol.ExpressionCommand{
		Parameters: values,
		Duration:   *duration,
		Easing:     *easing,
		AutoReset:  *autoReset,
	})
}

func runPreset(args []string) error {
	fs := flag.NewFlagSet("preset", flag.ExitOnError)
	server := fs.String("server", defaultServer, "NATS server URL")
	duration := fs.Int("duration", 0, "Transition duration in milliseconds (0 = default)")
	fs.Parse(args)

	if fs.NArg() != 1 {
		return fmt.Errorf("preset: exactly one preset name required")
	}
	return publish(*server, protocol.SubjectCmdPreset, protocol.PresetCommand{
		Name:     fs.Arg(0),
		Duration: *duration,
	})
}

func runParam(args []string) error {
	fs := flag.NewFlagSet("param", flag.ExitOnError)
	server := fs.String("server", defaultServer, "NATS server URL")
	duration := fs.Int("duration", 0, "Transition duration in milliseconds (0 = default)")
	fs.Parse(args)

	if fs.NArg() != 2 {
		return fmt.Errorf("param: channel id and value required")
	}
	value, err := strconv.ParseFloat(fs.Arg(1), 64)
	if err != nil {
		return fmt.Errorf("param: invalid value %q", fs.Arg(1))
	}
	return publish(*server, protocol.SubjectCmdParam, protocol.ParamCommand{
		ID:       fs.Arg(0),
		Value:    value,
		Duration: *duration,
	})
}

func runReset(args []string) error {
	fs := flag.NewFlagSet("reset", flag.ExitOnError)
	server := fs.String("server", defaultServer, "NATS server URL")
	duration := fs.Int("duration", 0, "Transition duration in milliseconds (0 = default)")
	fs.Parse(args)

	return publish(*server, protocol.SubjectCmdReset, protocol.ResetCommand{Duration: *duration})
}

func runStatus(args []string) error {
	fs := flag.NewFlagSet("status", flag.ExitOnError)
	server := fs.String("server", defaultServer, "NATS server URL")
	fs.Parse(args)

	c, err := connect(*server)
	if err != nil {
		return err
	}
	defer c.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	var status protocol.StatusReply
	if err := c.RequestJSON(ctx, protocol.SubjectCmdStatus, struct{}{}, &status); err != nil {
		return err
	}
	pretty, err := json.MarshalIndent(status, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(pretty))
	return nil
}

func parseParams(raw string) (map[string]float64, error) {
	values := make(map[string]float64)
	if strings.TrimSpace(raw) == "" {
		return values, nil
	}
	for _, pair := range strings.Split(raw, ",") {
		key, val, ok := strings.Cut(strings.TrimSpace(pair), "=")
		if !ok {
			return nil, fmt.Errorf("invalid pair %q, want channel=value", pair)
		}
		f, err := strconv.ParseFloat(strings.TrimSpace(val), 64)
		if err != nil {
			return nil, fmt.Errorf("invalid value in %q", pair)
		}
		values[strings.TrimSpace(key)] = f
	}
	return values, nil
}
