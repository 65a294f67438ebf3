// Package ts3query implements a client for the TeamSpeak 3 ServerQuery interface, the
// line based administration protocol spoken by TeamSpeak servers on TCP port 10011.
//
// A Client pipelines commands over one persistent connection. The server answers
// commands strictly in the order they were sent, so responses are matched to commands
// first in, first out: every response is zero or more lines of pipe separated records
// followed by an "error id=... msg=..." status line. Independently of any command the
// server may push notification lines, which the client routes to the handlers
// registered with Subscribe without disturbing the command stream.
//
// Commands are built explicitly, either with the helpers of this package (Login, Use,
// ServerNotifyRegister, ...) or with NewCommand and the String, Int and Bool parameter
// builders. Values are escaped on the way out and unescaped on the way in.
//
//	client := ts3query.NewClient(ts3query.NewTCPTransport("127.0.0.1:10011"))
//	if err := client.Connect(ctx); err != nil {
//	    log.Fatal(err)
//	}
//	defer client.Close()
//
//	if err := client.Login(ctx, "serveradmin", password); err != nil {
//	    log.Fatal(err)
//	}
//	res, err := client.Send(ctx, ts3query.NewCommand("clientlist").WithOptions("uid"))
package ts3query
