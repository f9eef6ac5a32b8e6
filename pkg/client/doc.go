/*
Package client provides the Client Stub (C5): a thin, dependency-free
wrapper around a Unix-domain-socket connection to the supervisor.

Each call dials, sends one JSON-line Request, reads one JSON-line
Response, and closes — no connection pooling, no background goroutines.

	c := client.NewClientAutoStart(socketPath, daemonBinPath)
	resp, err := c.Execute(ctx, spec, "import rich; print(rich.__version__)", 0)
	if err != nil {
		log.Fatal(err)
	}
	fmt.Println(resp.Stdout)

NewClient assumes a supervisor is already listening; NewClientAutoStart
spawns one as a detached child and retries the dial.
*/
package client
