/*
Package rpchub is a peer-oriented RPC engine.

A Hub owns one Peer per PeerRef. A Peer holds the connection
to one remote endpoint, keeps the registries of outbound calls
waiting for a result and inbound calls still running, and
survives reconnects: calls in flight are resent with their
original ids, and the receiving side drops the repeats.

Outbound calls go through an OutboundContext, which routes the
call to a Peer, registers it, sends it, and waits for the
Complete (or NotFound) system call carrying the result.
When the chosen Peer turns terminal the call is rerouted to a
fresh one, up to Config.MaxRerouteAttempts times.

Inbound calls run on their own goroutine through the middleware
chain, and the result goes back as a Complete. A Cancel system
call from the caller cancels the invocation's context.

Wire messages are greenpack encoded. Argument lists and results
use the format negotiated per Peer: msgpack by default, or json.
Hub.Serve and NetConnector carry Messages over any net.Conn,
with optional zstd or lz4 compression; LocalConnector and
NewChannelPair keep both ends in one process.

A minimal exchange:

	sum := rpchub.NewMethod2("Calc", "Sum",
		func(ctx context.Context, a, b int) (int, error) {
			return a + b, nil
		})

	srv, _ := rpchub.NewHub(nil)
	srv.Register(sum)
	go srv.Serve(ctx, lis)

	cli, _ := rpchub.NewHub(nil)
	cli.Connector = &rpchub.NetConnector{Addr: lis.Addr().String()}
	five, err := rpchub.Call[int](ctx, cli, sum, 2, 3)

See cmd/sumdemo for the same thing as a command line program.
*/
package rpchub
