package ts3query

import (
	"context"
	"fmt"
)

// Login builds the login command for a query account.
func Login(username, password string) Command {
	return NewCommand("login",
		String("client_login_name", username),
		String("client_login_password", password),
	)
}

// Logout builds the logout command.
func Logout() Command {
	return NewCommand("logout")
}

// Use builds the command selecting the virtual server with the given id.
func Use(serverID int) Command {
	return NewCommand("use", Int("sid", serverID))
}

// UsePort builds the command selecting the virtual server by voice port.
func UsePort(port int) Command {
	return NewCommand("use", Int("port", port))
}

// WhoAmI builds the whoami command.
func WhoAmI() Command {
	return NewCommand("whoami")
}

// Version builds the version command.
func Version() Command {
	return NewCommand("version")
}

// Quit builds the quit command, which makes the server close the connection.
func Quit() Command {
	return NewCommand("quit")
}

// ServerNotifyRegister builds the command asking the server to send events
// of the given target. Channel events are registered for all channels.
func ServerNotifyRegister(event NotificationEvent) Command {
	cmd := NewCommand("servernotifyregister", String("event", string(event)))
	if event == EventChannel {
		cmd.Params = append(cmd.Params, Int("id", 0))
	}
	return cmd
}

// ServerNotifyRegisterChannel builds the command registering channel events
// for a single channel.
func ServerNotifyRegisterChannel(channelID int) Command {
	return NewCommand("servernotifyregister",
		String("event", string(EventChannel)),
		Int("id", channelID),
	)
}

// ServerNotifyUnregister builds the command dropping every registration of
// the connection.
func ServerNotifyUnregister() Command {
	return NewCommand("servernotifyunregister")
}

// Identity is the result of whoami.
type Identity struct {
	ServerID       int
	ServerPort     int
	ChannelID      int
	ClientID       int
	DatabaseID     int
	Nickname       string
	LoginName      string
	UniqueID       string
	ServerStatus   string
	OriginServerID int
	ServerUniqueID string
}

// Login authenticates the connection.
func (c *Client) Login(ctx context.Context, username, password string) error {
	_, err := c.Send(ctx, Login(username, password))
	return err
}

// UseServer selects the virtual server the following commands apply to.
func (c *Client) UseServer(ctx context.Context, serverID int) error {
	_, err := c.Send(ctx, Use(serverID))
	return err
}

// WhoAmI returns the identity of the connection.
func (c *Client) WhoAmI(ctx context.Context) (Identity, error) {
	res, err := c.Send(ctx, WhoAmI())
	if err != nil {
		return Identity{}, err
	}
	rec := res.First()
	if rec == nil {
		return Identity{}, fmt.Errorf("whoami: empty response")
	}

	id := Identity{
		ServerStatus: rec.Value("virtualserver_status"),
		Nickname:     rec.Value("client_nickname"),
		LoginName:    rec.Value("client_login_name"),
		UniqueID:     rec.Value("client_unique_identifier"),

		ServerUniqueID: rec.Value("virtualserver_unique_identifier"),
	}
	ints := []struct {
		key string
		dst *int
	}{
		{"virtualserver_id", &id.ServerID},
		{"virtualserver_port", &id.ServerPort},
		{"client_channel_id", &id.ChannelID},
		{"client_id", &id.ClientID},
		{"client_database_id", &id.DatabaseID},
		{"client_origin_server_id", &id.OriginServerID},
	}
	for _, f := range ints {
		if !rec.Has(f.key) {
			continue
		}
		n, err := rec.Int(f.key)
		if err != nil {
			return Identity{}, fmt.Errorf("whoami: %w", err)
		}
		*f.dst = n
	}
	return id, nil
}

// ServerVersion is the result of version.
type ServerVersion struct {
	Version  string
	Build    string
	Platform string
}

// Version returns the server's version information.
func (c *Client) Version(ctx context.Context) (ServerVersion, error) {
	res, err := c.Send(ctx, Version())
	if err != nil {
		return ServerVersion{}, err
	}
	rec := res.First()
	return ServerVersion{
		Version:  rec.Value("version"),
		Build:    rec.Value("build"),
		Platform: rec.Value("platform"),
	}, nil
}
