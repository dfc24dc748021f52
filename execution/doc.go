// Package execution runs code on a kernel and collects what it produces.
//
// An Execution sends one execute_request and follows every message
// correlated to it until the exchange is over. The connection layer never
// closes a correlated stream on its own; an execution is complete once both
// the execute_reply and an iopub status of "idle" have been observed, in
// either order.
//
// # State Machine
//
//	NotStarted → Running → Completed
//	                  ↓
//	                Failed
//
// Failed covers a kernel error reply as well as a send failure, a cancelled
// context or a closed connection.
//
// # Usage
//
//	res, err := execution.Execute(ctx, conn, "print('hi')",
//	    execution.WithOnOutput(func(o execution.Output) { fmt.Print(o.Text) }))
//	var kerr *execution.KernelError
//	if errors.As(err, &kerr) {
//	    fmt.Println(kerr.EName, kerr.EValue)
//	}
//
// There is no built-in timeout; bound the call with ctx.
package execution
