package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/spf13/cobra"

	jupyter "github.com/smnsjas/go-jupytercore"
	"github.com/smnsjas/go-jupytercore/execution"
	"github.com/smnsjas/go-jupytercore/host"
	"github.com/smnsjas/go-jupytercore/messages"
)

// smokeCase is one scenario run against a live kernel.
type smokeCase struct {
	Name        string
	Description string
	Code        string
	// Input answers input requests, one line each.
	Input       string
	WantStdout  string
	WantResult  string
	ExpectError string
}

// pythonCases assume an IPython-compatible kernel.
var pythonCases = []smokeCase{
	{
		Name:        "Simple Print",
		Description: "stdout stream from a print call",
		Code:        "print('hello from go')",
		WantStdout:  "hello from go",
	},
	{
		Name:        "Expression Result",
		Description: "execute_result carries text/plain",
		Code:        "6 * 7",
		WantResult:  "42",
	},
	{
		Name:        "Stderr Stream",
		Description: "stderr is reported separately",
		Code:        "import sys; print('to stderr', file=sys.stderr)",
	},
	{
		Name:        "Large Output",
		Description: "many stream messages for one request",
		Code:        "for i in range(200): print('line', i, 'x' * 50)",
		WantStdout:  "line 199",
	},
	{
		Name:        "Input Request",
		Description: "stdin round trip through the host",
		Code:        "print('you said', input('say: '))",
		Input:       "ping\n",
		WantStdout:  "you said ping",
	},
	{
		Name:        "Raised Error",
		Description: "error reply becomes a KernelError",
		Code:        "raise ValueError('boom')",
		ExpectError: "ValueError",
	},
}

func newSmokeCmd(a *app) *cobra.Command {
	var timeout time.Duration

	cmd := &cobra.Command{
		Use:   "smoke <kernel>",
		Short: "Exercise a kernel end to end and report what works",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			out := cmd.OutOrStdout()
			fmt.Fprintln(out, bold("jupyter-client smoke test"))

			k, err := a.launch(cmd.Context(), args[0], true)
			if err != nil {
				return err
			}
			defer k.Close()

			passed, failed := runSmoke(cmd.Context(), out, k, timeout)
			printMetrics(out, a)

			fmt.Fprintf(out, "\n   Total:  %d\n", passed+failed)
			fmt.Fprintf(out, "   %s %d\n", green("Passed:"), passed)
			fmt.Fprintf(out, "   %s %d\n", red("Failed:"), failed)

			if err := k.Shutdown(cmd.Context(), false); err != nil {
				fmt.Fprintln(out, yellow("shutdown: "+err.Error()))
			}
			if failed > 0 {
				return fmt.Errorf("%d smoke check(s) failed", failed)
			}
			return nil
		},
	}
	cmd.Flags().DurationVar(&timeout, "timeout", 30*time.Second, "per-check timeout")
	return cmd
}

func runSmoke(ctx context.Context, out io.Writer, k *jupyter.RunningKernel, timeout time.Duration) (passed, failed int) {
	record := func(ok bool) {
		if ok {
			passed++
		} else {
			failed++
		}
	}

	record(check(out, "Kernel Info", func() (string, error) {
		cctx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()
		info, err := k.KernelInfo(cctx)
		if err != nil {
			return "", err
		}
		return fmt.Sprintf("%s, protocol %s, language %s", info.Implementation, info.ProtocolVersion, info.LanguageInfo.Name), nil
	}))

	record(check(out, "Is Complete", func() (string, error) {
		cctx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()
		reply, err := k.IsComplete(cctx, "")
		if err != nil {
			return "", err
		}
		return "status " + reply.Status, nil
	}))

	if !strings.EqualFold(k.Spec.Language, "python") {
		fmt.Fprintln(out, gray("\nskipping execution checks for language "+k.Spec.Language))
		return passed, failed
	}

	for _, tc := range pythonCases {
		record(check(out, tc.Name, func() (string, error) {
			return runCase(ctx, k, tc, timeout)
		}))
	}

	record(check(out, "Concurrent Executions", func() (string, error) {
		return runConcurrent(ctx, k, timeout)
	}))

	return passed, failed
}

func check(out io.Writer, name string, fn func() (string, error)) bool {
	fmt.Fprintf(out, "\n%s %s\n", cyan("TEST:"), name)
	detail, err := fn()
	if err != nil {
		fmt.Fprintf(out, "   %s %v\n", red("FAILED:"), err)
		return false
	}
	fmt.Fprintf(out, "   %s %s\n", green("PASSED:"), truncate(detail, 200))
	return true
}

func runCase(ctx context.Context, k *jupyter.RunningKernel, tc smokeCase, timeout time.Duration) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var opts []execution.Option
	if tc.Input != "" {
		opts = append(opts, execution.WithHost(host.NewReaderHost(strings.NewReader(tc.Input), io.Discard)))
	}
	res, err := k.Execute(ctx, tc.Code, opts...)

	if tc.ExpectError != "" {
		var kerr *execution.KernelError
		if !errors.As(err, &kerr) {
			return "", fmt.Errorf("expected %s, got %v", tc.ExpectError, err)
		}
		if kerr.EName != tc.ExpectError {
			return "", fmt.Errorf("expected %s, got %s", tc.ExpectError, kerr.EName)
		}
		return "raised " + kerr.Error(), nil
	}
	if err != nil {
		return "", err
	}

	stdout := res.Stdout()
	if tc.WantStdout != "" && !strings.Contains(stdout, tc.WantStdout) {
		return "", fmt.Errorf("stdout %q does not contain %q", truncate(stdout, 80), tc.WantStdout)
	}
	if tc.WantResult != "" {
		var got string
		for _, o := range res.Outputs {
			if o.Type == messages.TypeExecuteResult {
				got = o.Text
			}
		}
		if got != tc.WantResult {
			return "", fmt.Errorf("result %q, want %q", got, tc.WantResult)
		}
	}
	return fmt.Sprintf("%d output(s), execution count %d", len(res.Outputs), res.ExecutionCount), nil
}

// runConcurrent sends two requests at once; each must see only its own output.
func runConcurrent(ctx context.Context, k *jupyter.RunningKernel, timeout time.Duration) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	codes := []string{
		"import time; time.sleep(0.5); print('first done')",
		"print('second done')",
	}
	results := make([]string, len(codes))
	errs := make([]error, len(codes))

	var wg sync.WaitGroup
	for i, code := range codes {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := k.Execute(ctx, code)
			if err != nil {
				errs[i] = err
				return
			}
			results[i] = res.Stdout()
		}()
	}
	wg.Wait()

	if err := errors.Join(errs...); err != nil {
		return "", err
	}
	if strings.TrimSpace(results[0]) != "first done" || strings.TrimSpace(results[1]) != "second done" {
		return "", fmt.Errorf("outputs crossed: %q / %q", results[0], results[1])
	}
	return "both executions saw only their own output", nil
}

func printMetrics(out io.Writer, a *app) {
	families, err := a.registry.Gather()
	if err != nil {
		return
	}
	fmt.Fprintln(out, "\n"+bold("metrics"))
	for _, f := range families {
		var total float64
		for _, m := range f.GetMetric() {
			switch {
			case m.GetCounter() != nil:
				total += m.GetCounter().GetValue()
			case m.GetGauge() != nil:
				total += m.GetGauge().GetValue()
			case m.GetHistogram() != nil:
				total += float64(m.GetHistogram().GetSampleCount())
			}
		}
		fmt.Fprintf(out, "   %s %v\n", gray(f.GetName()), total)
	}
}

func truncate(s string, maxLen int) string {
	s = strings.TrimSpace(s)
	if len(s) > maxLen {
		return s[:maxLen] + "..."
	}
	return s
}
