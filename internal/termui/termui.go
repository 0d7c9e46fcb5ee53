// Package termui is the reference interactive loop of the Terminal UI
// section: read a line, submit it as a one-turn chat request, print
// streamed deltas as they arrive, repeat. Out of scope for deep
// investment per the Non-goals, so it keeps no conversation history
// across lines — each line is its own standalone request, submitted
// through internal/serve.Pipeline the same way the HTTP adapter submits
// a request.
package termui

import (
	"bufio"
	"fmt"
	"io"

	"github.com/localmind/localmind/internal/chattpl"
	"github.com/localmind/localmind/internal/sampler"
	"github.com/localmind/localmind/internal/serve"
)

// Run drives the loop: reads lines from in until EOF, writes prompts and
// streamed output to out.
func Run(pipeline *serve.Pipeline, sCfg sampler.Config, in io.Reader, out io.Writer) {
	scanner := bufio.NewScanner(in)
	fmt.Fprintln(out, "localmind repl — one line per turn, ctrl-d to exit")
	turn := 0
	for {
		fmt.Fprint(out, "> ")
		if !scanner.Scan() {
			return
		}
		line := scanner.Text()
		if line == "" {
			continue
		}
		turn++

		delta := make(chan serve.Delta, 16)
		req := serve.ChatRequest{
			ID:        fmt.Sprintf("repl-%d", turn),
			Messages:  []chattpl.Message{{Role: chattpl.RoleUser, Content: line}},
			Sampler:   sCfg,
			MaxTokens: 512,
			Stream:    true,
		}
		if err := pipeline.Submit(req, delta); err != nil {
			fmt.Fprintln(out, "error:", err)
			continue
		}
		for d := range delta {
			if d.Err != nil {
				fmt.Fprintln(out, "error:", d.Err)
				break
			}
			fmt.Fprint(out, d.Text)
		}
		fmt.Fprintln(out)
	}
}
