package ts3query_test

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/MegaGrindStone/go-ts3query"
	"github.com/MegaGrindStone/go-ts3query/querytest"
)

func newTestClient(t *testing.T, handler querytest.Handler, options ...ts3query.ClientOption) (*ts3query.Client, *querytest.Server) {
	t.Helper()

	srv := querytest.NewServer(handler)
	client := ts3query.NewClient(srv.Transport(), options...)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Connect(ctx); err != nil {
		t.Fatalf("failed to connect: %v", err)
	}

	t.Cleanup(func() {
		client.Close()
		srv.Close()
	})
	return client, srv
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()

	deadline := time.Now().Add(5 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestClientLogin(t *testing.T) {
	var gotUser, gotPass string
	handler := querytest.Mux{
		"login": func(cmd ts3query.Command) querytest.Reply {
			gotUser, _ = cmd.Param("client_login_name")
			gotPass, _ = cmd.Param("client_login_password")
			return querytest.Reply{Raw: []string{"error id=0 msg=ok"}}
		},
	}
	client, srv := newTestClient(t, handler.Handle)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	res, err := client.Send(ctx, ts3query.NewCommand("login",
		ts3query.String("client_login_name", "admin"),
		ts3query.String("client_login_password", "secret"),
	))
	if err != nil {
		t.Fatalf("login failed: %v", err)
	}
	if res.Len() != 0 {
		t.Errorf("login returned %d records, want 0", res.Len())
	}
	if res.First() != nil {
		t.Errorf("First() = %v, want nil", res.First())
	}

	want := "login client_login_name=admin client_login_password=secret"
	if reqs := srv.Requests(); len(reqs) != 1 || reqs[0] != want {
		t.Errorf("server received %q, want [%q]", reqs, want)
	}
	if gotUser != "admin" || gotPass != "secret" {
		t.Errorf("server parsed credentials %q/%q", gotUser, gotPass)
	}
}

func TestClientProtocolError(t *testing.T) {
	handler := querytest.Mux{
		"use": func(ts3query.Command) querytest.Reply {
			return querytest.Reply{Raw: []string{`error id=512 msg=invalid\sserverID`}}
		},
		"sendtextmessage": func(ts3query.Command) querytest.Reply {
			return querytest.Reply{Raw: []string{`error id=2568 msg=insufficient\sclient\spermissions failed_permid=4 extra_msg=not\sallowed`}}
		},
	}
	client, _ := newTestClient(t, handler.Handle)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	err := client.UseServer(ctx, 1)
	var pErr *ts3query.ProtocolError
	if !errors.As(err, &pErr) {
		t.Fatalf("use returned %v, want a ProtocolError", err)
	}
	if pErr.ID != 512 || pErr.Message != "invalid serverID" {
		t.Errorf("ProtocolError = {%d %q}, want {512 \"invalid serverID\"}", pErr.ID, pErr.Message)
	}
	if !ts3query.IsProtocolError(err, 512) {
		t.Error("IsProtocolError(err, 512) = false")
	}

	_, err = client.Send(ctx, ts3query.NewCommand("sendtextmessage", ts3query.String("msg", "hi")))
	if !errors.As(err, &pErr) {
		t.Fatalf("sendtextmessage returned %v, want a ProtocolError", err)
	}
	if pErr.FailedPermID != 4 || pErr.ExtraMessage != "not allowed" {
		t.Errorf("ProtocolError = %+v, want failed_permid 4 and extra_msg", pErr)
	}

	_, err = client.Send(ctx, ts3query.NewCommand("bogus"))
	if !ts3query.IsProtocolError(err, querytest.ErrCommandNotFound) {
		t.Errorf("unknown command returned %v, want error %d", err, querytest.ErrCommandNotFound)
	}
}

// TestClientFIFOCorrelation drives the client over raw pipes so the responses
// can be written in arbitrary chunks.
func TestClientFIFOCorrelation(t *testing.T) {
	clientReader, serverWriter := io.Pipe()
	serverReader, clientWriter := io.Pipe()

	client := ts3query.NewClient(ts3query.NewIOTransport(clientReader, clientWriter))
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Connect(ctx); err != nil {
		t.Fatalf("failed to connect: %v", err)
	}
	defer client.Close()

	const n = 5

	requests := make(chan string, n)
	go func() {
		r := bufio.NewReader(serverReader)
		for range n {
			line, err := r.ReadString('\n')
			if err != nil {
				close(requests)
				return
			}
			requests <- strings.TrimSuffix(line, "\n")
		}
	}()

	calls := make([]*ts3query.Call, n)
	for i := range n {
		call, err := client.Go(ts3query.NewCommand("echo", ts3query.Int("n", i)))
		if err != nil {
			t.Fatalf("failed to send request %d: %v", i, err)
		}
		calls[i] = call
	}

	for i := range n {
		want := fmt.Sprintf("echo n=%d", i)
		if got := <-requests; got != want {
			t.Fatalf("request %d = %q, want %q", i, got, want)
		}
	}
	if client.Pending() != n {
		t.Errorf("Pending() = %d, want %d", client.Pending(), n)
	}

	var stream strings.Builder
	for i := range n {
		// Request 2 spreads its rows over two lines.
		if i == 2 {
			fmt.Fprintf(&stream, "n=%d|row=a\n\rrow=b\n\r", i)
		} else {
			fmt.Fprintf(&stream, "n=%d\n\r", i)
		}
		stream.WriteString("error id=0 msg=ok\n\r")
	}

	data := stream.String()
	go func() {
		// Three byte chunks make terminators straddle reads.
		for len(data) > 0 {
			size := min(3, len(data))
			if _, err := io.WriteString(serverWriter, data[:size]); err != nil {
				return
			}
			data = data[size:]
		}
	}()

	for i, call := range calls {
		res, err := call.Wait(ctx)
		if err != nil {
			t.Fatalf("call %d failed: %v", i, err)
		}
		if got := res.First().Value("n"); got != fmt.Sprint(i) {
			t.Errorf("call %d resolved with n=%s", i, got)
		}
		if i == 2 && res.Len() != 3 {
			t.Errorf("call 2 has %d records, want 3", res.Len())
		}
		if call.Sent() != fmt.Sprintf("echo n=%d", i) {
			t.Errorf("call %d Sent() = %q", i, call.Sent())
		}
	}
	if client.Pending() != 0 {
		t.Errorf("Pending() = %d after all responses, want 0", client.Pending())
	}
}

func TestClientErrorIsolation(t *testing.T) {
	handler := querytest.Mux{
		"first": func(ts3query.Command) querytest.Reply {
			return querytest.Records(ts3query.Record{{Key: "which", Value: "first"}})
		},
		"second": func(ts3query.Command) querytest.Reply {
			return querytest.Error(1281, "database empty result set")
		},
		"third": func(ts3query.Command) querytest.Reply {
			return querytest.Records(ts3query.Record{{Key: "which", Value: "third"}})
		},
	}
	client, _ := newTestClient(t, handler.Handle)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	var calls []*ts3query.Call
	for _, name := range []string{"first", "second", "third"} {
		call, err := client.Go(ts3query.NewCommand(name))
		if err != nil {
			t.Fatalf("failed to send %s: %v", name, err)
		}
		calls = append(calls, call)
	}

	res, err := calls[0].Wait(ctx)
	if err != nil || res.First().Value("which") != "first" {
		t.Errorf("first = %v, %v", res.Records, err)
	}

	_, err = calls[1].Wait(ctx)
	if !ts3query.IsProtocolError(err, 1281) {
		t.Errorf("second error = %v, want ProtocolError 1281", err)
	}

	res, err = calls[2].Wait(ctx)
	if err != nil || res.First().Value("which") != "third" {
		t.Errorf("third = %v, %v", res.Records, err)
	}

	<-calls[1].Done()
	if _, err := calls[1].Result(); !ts3query.IsProtocolError(err, 1281) {
		t.Errorf("Result() of second = %v", err)
	}
}

func TestClientMultiRecordResponse(t *testing.T) {
	handler := querytest.Mux{
		"clientlist": func(ts3query.Command) querytest.Reply {
			return querytest.Reply{Raw: []string{
				"clid=1 client_nickname=a|clid=2 client_nickname=b",
				`clid=3 client_nickname=c\sd`,
				"error id=0 msg=ok",
			}}
		},
	}
	client, _ := newTestClient(t, handler.Handle)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	res, err := client.Send(ctx, ts3query.NewCommand("clientlist"))
	if err != nil {
		t.Fatalf("clientlist failed: %v", err)
	}

	want := []string{"a", "b", "c d"}
	if res.Len() != len(want) {
		t.Fatalf("got %d records, want %d", res.Len(), len(want))
	}
	for i, rec := range res.Records {
		if rec.Value("client_nickname") != want[i] || rec.Value("clid") != fmt.Sprint(i+1) {
			t.Errorf("record %d = %v", i, rec)
		}
	}
}

func TestClientMalformedStatus(t *testing.T) {
	handler := querytest.Mux{
		"broken": func(ts3query.Command) querytest.Reply {
			return querytest.Reply{Raw: []string{"error msg=ok"}}
		},
		"nonnumeric": func(ts3query.Command) querytest.Reply {
			return querytest.Reply{Raw: []string{"error id=abc msg=ok"}}
		},
		"version": func(ts3query.Command) querytest.Reply {
			return querytest.Records(ts3query.Record{
				{Key: "version", Value: "3.13.7"},
				{Key: "build", Value: "1655727713"},
				{Key: "platform", Value: "Linux"},
			})
		},
	}
	client, _ := newTestClient(t, handler.Handle)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	for _, name := range []string{"broken", "nonnumeric"} {
		_, err := client.Send(ctx, ts3query.NewCommand(name))
		var mErr *ts3query.MalformedResponseError
		if !errors.As(err, &mErr) {
			t.Errorf("%s returned %v, want MalformedResponseError", name, err)
		}
	}

	v, err := client.Version(ctx)
	if err != nil {
		t.Fatalf("version after malformed status failed: %v", err)
	}
	if v.Version != "3.13.7" || v.Platform != "Linux" {
		t.Errorf("Version() = %+v", v)
	}
}

func TestClientDisconnectDrain(t *testing.T) {
	handler := func(ts3query.Command) querytest.Reply {
		return querytest.Reply{Drop: true}
	}
	client, srv := newTestClient(t, handler)

	var calls []*ts3query.Call
	for i := range 3 {
		call, err := client.Go(ts3query.NewCommand("hang", ts3query.Int("i", i)))
		if err != nil {
			t.Fatalf("failed to send: %v", err)
		}
		calls = append(calls, call)
	}
	waitFor(t, "requests to reach the server", func() bool { return len(srv.Requests()) == 3 })

	if client.Pending() != 3 {
		t.Fatalf("Pending() = %d, want 3", client.Pending())
	}

	if err := client.Close(); err != nil {
		t.Fatalf("close failed: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	for i, call := range calls {
		if _, err := call.Wait(ctx); !errors.Is(err, ts3query.ErrConnectionClosed) {
			t.Errorf("call %d = %v, want ErrConnectionClosed", i, err)
		}
	}
	if client.Pending() != 0 {
		t.Errorf("Pending() = %d after close, want 0", client.Pending())
	}
	if client.State() != ts3query.StateDisconnected {
		t.Errorf("State() = %s, want disconnected", client.State())
	}

	if _, err := client.Send(ctx, ts3query.Version()); !errors.Is(err, ts3query.ErrConnectionClosed) {
		t.Errorf("Send after close = %v, want ErrConnectionClosed", err)
	}
}

func TestClientServerHangup(t *testing.T) {
	handler := func(ts3query.Command) querytest.Reply {
		return querytest.Reply{Drop: true}
	}

	lost := make(chan error, 1)
	client, srv := newTestClient(t, handler, ts3query.WithDisconnectHandler(func(err error) {
		lost <- err
	}))

	call, err := client.Go(ts3query.WhoAmI())
	if err != nil {
		t.Fatalf("failed to send: %v", err)
	}
	waitFor(t, "request to reach the server", func() bool { return len(srv.Requests()) == 1 })

	srv.Hangup()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if _, err := call.Wait(ctx); !errors.Is(err, ts3query.ErrConnectionClosed) {
		t.Errorf("pending call = %v, want ErrConnectionClosed", err)
	}

	select {
	case <-lost:
	case <-ctx.Done():
		t.Fatal("disconnect handler was not called")
	}
	waitFor(t, "client to disconnect", func() bool { return client.State() == ts3query.StateDisconnected })

	// A lost connection can be replaced by connecting again.
	if err := client.Connect(ctx); err != nil {
		t.Fatalf("reconnect failed: %v", err)
	}
	if client.State() != ts3query.StateConnected {
		t.Errorf("State() = %s after reconnect", client.State())
	}
}

func TestClientTimeoutAbandon(t *testing.T) {
	release := make(chan struct{})
	handler := querytest.Mux{
		"slow": func(ts3query.Command) querytest.Reply {
			<-release
			return querytest.Records(ts3query.Record{{Key: "from", Value: "slow"}})
		},
		"fast": func(ts3query.Command) querytest.Reply {
			return querytest.Records(ts3query.Record{{Key: "from", Value: "fast"}})
		},
	}
	client, _ := newTestClient(t, handler.Handle)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	_, err := client.Send(ctx, ts3query.NewCommand("slow"))
	cancel()
	if !errors.Is(err, ts3query.ErrTimeout) {
		t.Fatalf("slow = %v, want ErrTimeout", err)
	}
	if client.Pending() != 1 {
		t.Errorf("Pending() = %d, the abandoned call must keep its slot", client.Pending())
	}

	close(release)

	ctx, cancel = context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	res, err := client.Send(ctx, ts3query.NewCommand("fast"))
	if err != nil {
		t.Fatalf("fast failed: %v", err)
	}
	if got := res.First().Value("from"); got != "fast" {
		t.Errorf("fast resolved with the response of %q", got)
	}
	if client.Pending() != 0 {
		t.Errorf("Pending() = %d, want 0", client.Pending())
	}
}

func TestClientRequestTimeoutOption(t *testing.T) {
	handler := func(ts3query.Command) querytest.Reply {
		return querytest.Reply{Drop: true}
	}
	client, _ := newTestClient(t, handler, ts3query.WithRequestTimeout(20*time.Millisecond))

	call, err := client.Go(ts3query.Version())
	if err != nil {
		t.Fatalf("failed to send: %v", err)
	}
	_, err = client.Send(context.Background(), ts3query.Version())
	if !errors.Is(err, ts3query.ErrTimeout) {
		t.Errorf("Send = %v, want ErrTimeout", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := call.Wait(ctx); !errors.Is(err, context.Canceled) {
		t.Errorf("Wait with canceled context = %v, want context.Canceled", err)
	}
	if !call.Abandoned() {
		t.Error("call not marked abandoned")
	}
}

func TestClientConnectionState(t *testing.T) {
	srv := querytest.NewServer(nil)
	defer srv.Close()

	client := ts3query.NewClient(srv.Transport())
	if client.State() != ts3query.StateDisconnected {
		t.Fatalf("new client state = %s", client.State())
	}
	if _, err := client.Go(ts3query.Version()); !errors.Is(err, ts3query.ErrConnectionClosed) {
		t.Errorf("Go before connect = %v, want ErrConnectionClosed", err)
	}
	if err := client.Close(); err != nil {
		t.Errorf("Close before connect = %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Connect(ctx); err != nil {
		t.Fatalf("connect failed: %v", err)
	}
	if client.State() != ts3query.StateConnected {
		t.Errorf("state after connect = %s", client.State())
	}
	if err := client.Connect(ctx); !errors.Is(err, ts3query.ErrAlreadyConnected) {
		t.Errorf("second connect = %v, want ErrAlreadyConnected", err)
	}

	var wg sync.WaitGroup
	for range 4 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			client.Close()
		}()
	}
	wg.Wait()
	if client.State() != ts3query.StateDisconnected {
		t.Errorf("state after close = %s", client.State())
	}
	if err := client.Close(); err != nil {
		t.Errorf("repeated close = %v", err)
	}
	waitFor(t, "server to drop the connection", func() bool { return srv.Connections() == 0 })

	if err := client.Connect(ctx); err != nil {
		t.Fatalf("reconnect failed: %v", err)
	}
	if _, err := client.Send(ctx, ts3query.Version()); err != nil {
		t.Errorf("send after reconnect failed: %v", err)
	}
	client.Close()
}

func TestClientConcurrentSend(t *testing.T) {
	handler := querytest.Mux{
		"echo": func(cmd ts3query.Command) querytest.Reply {
			v, _ := cmd.Param("v")
			return querytest.Records(ts3query.Record{{Key: "v", Value: v}})
		},
	}
	client, _ := newTestClient(t, handler.Handle)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	var wg sync.WaitGroup
	errs := make(chan error, 50)
	for i := range 50 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			want := fmt.Sprintf("value %d", i)
			res, err := client.Send(ctx, ts3query.NewCommand("echo", ts3query.String("v", want)))
			if err != nil {
				errs <- err
				return
			}
			if got := res.First().Value("v"); got != want {
				errs <- fmt.Errorf("sent %q, got %q", want, got)
			}
		}()
	}
	wg.Wait()
	close(errs)

	for err := range errs {
		t.Error(err)
	}
}

func TestClientWhoAmI(t *testing.T) {
	handler := querytest.Mux{
		"whoami": func(ts3query.Command) querytest.Reply {
			return querytest.Reply{Raw: []string{
				`virtualserver_status=online virtualserver_id=1 virtualserver_unique_identifier=abc= virtualserver_port=9987 ` +
					`client_id=7 client_channel_id=1 client_nickname=serveradmin\sfrom\s127.0.0.1:42 client_database_id=1 ` +
					`client_login_name=serveradmin client_unique_identifier=serveradmin client_origin_server_id=0`,
				"error id=0 msg=ok",
			}}
		},
	}
	client, _ := newTestClient(t, handler.Handle)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	id, err := client.WhoAmI(ctx)
	if err != nil {
		t.Fatalf("whoami failed: %v", err)
	}
	want := ts3query.Identity{
		ServerID:       1,
		ServerPort:     9987,
		ChannelID:      1,
		ClientID:       7,
		DatabaseID:     1,
		Nickname:       "serveradmin from 127.0.0.1:42",
		LoginName:      "serveradmin",
		UniqueID:       "serveradmin",
		ServerStatus:   "online",
		ServerUniqueID: "abc=",
	}
	if id != want {
		t.Errorf("WhoAmI() = %+v, want %+v", id, want)
	}
}

func TestClientKeepAlive(t *testing.T) {
	client, srv := newTestClient(t, nil, ts3query.WithKeepAliveInterval(10*time.Millisecond))

	waitFor(t, "keepalive", func() bool {
		for _, name := range srv.RequestNames() {
			if name == "version" {
				return true
			}
		}
		return false
	})

	if err := client.Close(); err != nil {
		t.Errorf("close failed: %v", err)
	}
}

func TestClientInvalidCommand(t *testing.T) {
	client, srv := newTestClient(t, nil)

	if _, err := client.Go(ts3query.NewCommand("bad name")); err == nil {
		t.Error("Go accepted an invalid command")
	}
	if client.Pending() != 0 || len(srv.Requests()) != 0 {
		t.Error("invalid command reached the queue")
	}
}

func TestClientNotificationBetweenResponseLines(t *testing.T) {
	handler := querytest.Mux{
		"servernotifyregister": func(ts3query.Command) querytest.Reply { return querytest.OK() },
		"clientlist": func(ts3query.Command) querytest.Reply {
			return querytest.Reply{Raw: []string{
				"clid=1",
				"notifycliententerview clid=9 client_nickname=late",
				"clid=2",
				"error id=0 msg=ok",
			}}
		},
	}
	client, _ := newTestClient(t, handler.Handle)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	got := make(chan ts3query.Notification, 1)
	if _, err := client.Subscribe(ctx, ts3query.NotifyClientEnterView, func(n ts3query.Notification) {
		got <- n
	}); err != nil {
		t.Fatalf("subscribe failed: %v", err)
	}

	res, err := client.Send(ctx, ts3query.NewCommand("clientlist"))
	if err != nil {
		t.Fatalf("clientlist failed: %v", err)
	}
	if res.Len() != 2 || res.Records[0].Value("clid") != "1" || res.Records[1].Value("clid") != "2" {
		t.Errorf("clientlist records = %v", res.Records)
	}

	select {
	case n := <-got:
		if n.Payload.Value("clid") != "9" {
			t.Errorf("notification payload = %v", n.Payload)
		}
	case <-ctx.Done():
		t.Fatal("notification was not delivered")
	}
}

func TestClientPanickingHandler(t *testing.T) {
	client, srv := newTestClient(t, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	var calls atomic.Int32
	if _, err := client.Subscribe(ctx, ts3query.NotifyTokenUsed, func(ts3query.Notification) {
		calls.Add(1)
		panic("boom")
	}); err != nil {
		t.Fatalf("subscribe failed: %v", err)
	}

	srv.Notify("tokenused", ts3query.Record{{Key: "token", Value: "abc"}})
	waitFor(t, "handler", func() bool { return calls.Load() == 1 })

	if _, err := client.Send(ctx, ts3query.Version()); err != nil {
		t.Errorf("send after handler panic failed: %v", err)
	}
}

func TestClientFragmentStartingWithNotify(t *testing.T) {
	handler := querytest.Mux{
		"clientdbinfo": func(ts3query.Command) querytest.Reply {
			return querytest.Reply{Raw: []string{"notifyid=5 name=x", "error id=0 msg=ok"}}
		},
	}
	client, _ := newTestClient(t, handler.Handle)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	res, err := client.Send(ctx, ts3query.NewCommand("clientdbinfo"))
	if err != nil {
		t.Fatalf("Send failed: %v", err)
	}
	if res.Len() != 1 {
		t.Fatalf("got %d records, want 1", res.Len())
	}
	if got := res.First().Value("notifyid"); got != "5" {
		t.Errorf("notifyid = %q, want 5", got)
	}
	if got := res.First().Value("name"); got != "x" {
		t.Errorf("name = %q, want x", got)
	}
}
