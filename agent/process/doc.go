/*
Package process provides a client and server for remote processes running in a sandbox. The client streams stdout and stderr (server->client) for processes it starts or attaches to, and the server keeps processes alive independently of the streams watching them. It uses WebSockets for the streams and plain HTTPS for unary calls, so it only requires an HTTPS server.

Every stream carries a sequence of events:

 1. exactly one Start event, carrying the PID of the process
 2. zero or more Output events, each holding a chunk of stdout or stderr
 3. one End event, carrying the exit status

The client reads the Start event synchronously before returning a Handle, so a Handle always knows its PID. After that, a goroutine per Handle drains the stream in order, buffers output, invokes the caller's output callbacks, and records the outcome.

Processes are not scoped to a stream. If a client disconnects, the process keeps running and a new stream can be attached with Connect. Output produced while no stream is attached is dropped.

Killing a process is a unary call. The server responds by terminating the process group, and every attached stream then observes the End event.
*/
package process
