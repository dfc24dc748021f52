package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"

	jupyter "github.com/smnsjas/go-jupytercore"
	"github.com/smnsjas/go-jupytercore/content"
	"github.com/smnsjas/go-jupytercore/execution"
	"github.com/smnsjas/go-jupytercore/host"
	"github.com/smnsjas/go-jupytercore/kernelspec"
	"github.com/smnsjas/go-jupytercore/messages"
)

func newRunCmd(a *app) *cobra.Command {
	var (
		code       string
		showKernel bool
		quiet      bool
	)

	cmd := &cobra.Command{
		Use:   "run <kernel> [file]",
		Short: "Run code on a kernel and print its output",
		Long: `Start the named kernel, run code from -c, a file, or standard input, print
what the kernel produced, and shut the kernel down.

The kernel is matched by display name, then by language.`,
		Args: cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			src, err := readSource(cmd.InOrStdin(), code, args[1:])
			if err != nil {
				return err
			}

			k, err := a.launch(cmd.Context(), args[0], quiet)
			if err != nil {
				return err
			}
			defer k.Close()

			out := cmd.OutOrStdout()
			if showKernel {
				info, err := k.KernelInfo(cmd.Context())
				if err != nil {
					return err
				}
				fmt.Fprintf(out, "%s %s (%s %s)\n", gray("kernel:"), info.Implementation, info.LanguageInfo.Name, info.LanguageInfo.Version)
			}

			var opts []execution.Option
			opts = append(opts, execution.WithOnOutput(func(o execution.Output) { printOutput(out, o) }))
			if code != "" || len(args) > 1 {
				// stdin is free for the code's own input requests
				opts = append(opts, execution.WithHost(host.NewReaderHost(cmd.InOrStdin(), out)))
			}

			_, err = k.Execute(cmd.Context(), src, opts...)
			var kerr *execution.KernelError
			if errors.As(err, &kerr) {
				// the traceback was already printed as an error output
				_ = k.Shutdown(context.WithoutCancel(cmd.Context()), false)
				return fmt.Errorf("code raised %s", kerr.EName)
			}
			if err != nil {
				return err
			}
			return k.Shutdown(cmd.Context(), false)
		},
	}
	cmd.Flags().StringVarP(&code, "code", "c", "", "code to run")
	cmd.Flags().BoolVar(&showKernel, "info", false, "print kernel_info before running")
	cmd.Flags().BoolVarP(&quiet, "quiet", "q", false, "do not forward the kernel's own stdout and stderr")
	return cmd
}

// readSource returns the code from -c, a file argument, or r, in that order.
func readSource(r io.Reader, code string, files []string) (string, error) {
	switch {
	case code != "" && len(files) > 0:
		return "", errors.New("give either -c or a file, not both")
	case code != "":
		return code, nil
	case len(files) > 0:
		data, err := os.ReadFile(files[0])
		if err != nil {
			return "", err
		}
		return string(data), nil
	default:
		data, err := io.ReadAll(r)
		if err != nil {
			return "", fmt.Errorf("read stdin: %w", err)
		}
		return string(data), nil
	}
}

func (a *app) launch(ctx context.Context, name string, quiet bool) (*jupyter.RunningKernel, error) {
	specs, err := a.discover(ctx)
	if err != nil {
		return nil, err
	}
	spec, err := findKernel(specs, name)
	if err != nil {
		return nil, err
	}
	return a.launchSpec(ctx, spec, quiet)
}

func (a *app) launchSpec(ctx context.Context, spec kernelspec.Spec, quiet bool) (*jupyter.RunningKernel, error) {
	opts := []jupyter.Option{
		jupyter.WithLogger(a.logger),
		jupyter.WithMetrics(a.metrics),
		jupyter.WithConnectionConfig(a.cfg.ConnectionConfig()),
		jupyter.WithKillGrace(a.cfg.Launch.KillGrace),
	}
	if !quiet {
		opts = append(opts, jupyter.WithStdio(os.Stderr, os.Stderr))
	}

	startCtx, cancel := context.WithTimeout(ctx, a.cfg.Launch.ReadyTimeout)
	defer cancel()

	k, err := jupyter.Launch(startCtx, spec, opts...)
	if err != nil {
		return nil, err
	}
	if _, err := k.AwaitKernelInfo(startCtx); err != nil {
		k.Close()
		return nil, fmt.Errorf("kernel %s did not answer: %w", spec.DisplayName, err)
	}
	return k, nil
}

func printOutput(w io.Writer, o execution.Output) {
	switch o.Type {
	case messages.TypeStream:
		if o.Name == content.StreamStderr {
			fmt.Fprint(w, yellow(o.Text))
			return
		}
		fmt.Fprint(w, o.Text)
	case messages.TypeExecuteResult:
		fmt.Fprintln(w, green(o.Text))
	case messages.TypeDisplayData, messages.TypeUpdateDisplayData:
		if o.Text != "" {
			fmt.Fprintln(w, o.Text)
		}
	case messages.TypeError:
		fmt.Fprintln(w, red(o.Text))
		if o.Message != nil {
			var body content.Error
			if err := o.Message.DecodeContent(&body); err == nil && len(body.Traceback) > 0 {
				fmt.Fprintln(w, strings.Join(body.Traceback, "\n"))
			}
		}
	}
}
