package approval

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"strings"
	"time"

	"nerdwf/internal/policy"
)

// CLIPrompt shows the request summary, risk level/factors, and a countdown,
// then reads {approve, deny, approve-remember} from in.
type CLIPrompt struct {
	In   io.Reader
	Out  io.Writer
	Tick time.Duration
}

func NewCLIPrompt(in io.Reader, out io.Writer) *CLIPrompt {
	return &CLIPrompt{In: in, Out: out, Tick: time.Second}
}

func (p *CLIPrompt) Ask(ctx context.Context, req policy.ActionRequest, score policy.Score) (policy.Decision, string, error) {
	fmt.Fprintf(p.Out, "\napproval requested: action=%s target=%q command=%q url=%q\n", req.ActionType, req.TargetPath, req.Command, req.URL)
	fmt.Fprintf(p.Out, "risk: %s (%d) factors=%+v\n", score.Level, score.Value, score.Factors)
	fmt.Fprint(p.Out, "decide [a]pprove / [d]eny / [r]emember-for-run: ")

	answers := make(chan string, 1)
	go func() {
		reader := bufio.NewReader(p.In)
		line, err := reader.ReadString('\n')
		if err != nil && line == "" {
			return
		}
		answers <- strings.TrimSpace(strings.ToLower(line))
	}()

	var tick <-chan time.Time
	if p.Tick > 0 {
		ticker := time.NewTicker(p.Tick)
		defer ticker.Stop()
		tick = ticker.C
	}
	for {
		select {
		case <-ctx.Done():
			return "", "", ctx.Err()
		case <-tick:
			if deadline, ok := ctx.Deadline(); ok {
				fmt.Fprintf(p.Out, "\r%ds remaining: ", int(time.Until(deadline).Seconds()))
			}
		case answer := <-answers:
			switch answer {
			case "a", "approve":
				return policy.DecisionAllow, "once", nil
			case "r", "approve-remember":
				return policy.DecisionAllow, "run", nil
			default:
				return policy.DecisionDeny, "once", nil
			}
		}
	}
}

// AutoPrompt returns a fixed decision after an optional delay, used for
// unattended runs and tests.
type AutoPrompt struct {
	Decision policy.Decision
	Remember string
	Delay    time.Duration
}

func NewAutoPrompt(decision policy.Decision) *AutoPrompt {
	return &AutoPrompt{Decision: decision, Remember: "once"}
}

func (p *AutoPrompt) Ask(ctx context.Context, _ policy.ActionRequest, _ policy.Score) (policy.Decision, string, error) {
	if p.Delay > 0 {
		select {
		case <-ctx.Done():
			return "", "", ctx.Err()
		case <-time.After(p.Delay):
		}
	}
	return p.Decision, p.Remember, nil
}
