package main

import (
	"context"
	"fmt"
	"strings"
	"time"

	"zibra/server"
)

const timeTopic = "time"

func registerDemo(s *server.Server, topicTimeout, heartbeat time.Duration) error {
	if err := s.AddFunction("echo", func(v any) any { return v }); err != nil {
		return err
	}
	if err := s.AddFunction("hello", func(name string) string {
		return "Hello " + name + "!"
	}); err != nil {
		return err
	}
	if err := s.AddFunction("sum", func(nums ...int) int {
		total := 0
		for _, n := range nums {
			total += n
		}
		return total
	}); err != nil {
		return err
	}
	if err := s.AddFunction("upper", func(words []string) []string {
		out := make([]string, len(words))
		for i, w := range words {
			out[i] = strings.ToUpper(w)
		}
		return out
	}); err != nil {
		return err
	}
	s.AddMissingMethod(func(ctx context.Context, name string, args []any) (any, error) {
		return nil, fmt.Errorf("%s is not served here", name)
	})
	return s.Publish(timeTopic, topicTimeout, heartbeat)
}

// tick broadcasts the current time on the time topic until ctx is done.
func tick(ctx context.Context, s *server.Server, every time.Duration) {
	t := time.NewTicker(every)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-t.C:
			s.Broadcast(ctx, timeTopic, now.Format(time.RFC3339))
		}
	}
}
