// Package jupyter is a Go client for the Jupyter kernel wire protocol.
//
// It finds installed kernels, starts them as child processes, and talks to
// them over the five ZeroMQ channels described by a connection file. The
// library does not evaluate code itself; it is the plumbing a notebook
// frontend or test harness needs to drive any Jupyter kernel.
//
// # Architecture
//
// The library is organized into layers:
//
//   - jupyter: Launch and RunningKernel tie a connection to its process
//   - kernelspec: kernel.json discovery across the standard search paths
//   - process: child process supervision and output capture
//   - connection: sockets, connection file, receive loops and correlation
//   - messages, wire: message model and signed multipart framing
//   - content: typed message bodies
//   - execution: execute_request exchanges and output collection
//   - host: answering input_request on the stdin channel
//   - broadcast: the fan-out stream every subscriber reads from
//
// # Basic Usage
//
//	reg := kernelspec.NewRegistry()
//	specs, err := reg.Discover(ctx, kernelspec.DefaultSearchPaths(kernelspec.OSEnv()))
//	if err != nil {
//	    return err
//	}
//
//	kernel, err := jupyter.Launch(ctx, specs[0])
//	if err != nil {
//	    return err
//	}
//	defer kernel.Close()
//
//	result, err := kernel.Execute(ctx, "1 + 1")
//	if err != nil {
//	    return err
//	}
//	fmt.Println(result.Outputs[0].Text)
//
// # Correlation
//
// Every inbound message is published to all subscribers. Replies are
// matched to requests by the parent header's msg_id, on whichever channel
// they arrive. No reply is ever awaited without a context: a kernel that
// dies mid-request leaves the exchange open, so callers race
// RunningKernel.Process.Done or use the helpers here, which do.
//
// # Reference
//
// Messaging protocol: https://jupyter-client.readthedocs.io/en/stable/messaging.html
package jupyter

// Version is the library version.
const Version = "0.1.0-dev"
