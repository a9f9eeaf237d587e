package transport

import (
	"encoding/json"
	"testing"

	"github.com/classpulse/classpulse/internal/config"
)

func TestMapEventName(t *testing.T) {
	cases := []struct {
		in   string
		want string
	}{
		{"NotificationCreated", `App\Events\NotificationCreated`},
		{".notification", "notification"},
		{".content.decision", "content.decision"},
		{"ContentChangeRequested", `App\Events\ContentChangeRequested`},
	}
	for _, c := range cases {
		if got := mapEventName(c.in); got != c.want {
			t.Errorf("mapEventName(%q): got %q, want %q", c.in, got, c.want)
		}
	}
}

func TestDialURL(t *testing.T) {
	cases := []struct {
		name string
		cfg  config.BrokerConfig
		want string
	}{
		{
			name: "tls standard port",
			cfg:  config.BrokerConfig{Host: "reverb.example.com", Port: 443, Scheme: "https", AppKey: "k1"},
			want: "wss://reverb.example.com/app/k1?protocol=7&client=classpulse-go&version=1.0.0&flash=false",
		},
		{
			name: "plain custom port",
			cfg:  config.BrokerConfig{Host: "localhost", Port: 8080, Scheme: "http", AppKey: "k2"},
			want: "ws://localhost:8080/app/k2?protocol=7&client=classpulse-go&version=1.0.0&flash=false",
		},
		{
			name: "plain standard port omitted",
			cfg:  config.BrokerConfig{Host: "broker", Port: 80, Scheme: "http", AppKey: "k3"},
			want: "ws://broker/app/k3?protocol=7&client=classpulse-go&version=1.0.0&flash=false",
		},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			if got := dialURL(c.cfg); got != c.want {
				t.Errorf("dialURL: got %q, want %q", got, c.want)
			}
		})
	}
}

func TestDecodePayload(t *testing.T) {
	direct := json.RawMessage(`{"a":1}`)
	if got := decodePayload(direct); string(got) != `{"a":1}` {
		t.Errorf("direct payload: got %s", got)
	}

	quoted := json.RawMessage(`"{\"a\":1}"`)
	if got := decodePayload(quoted); string(got) != `{"a":1}` {
		t.Errorf("double-encoded payload: got %s", got)
	}

	if got := decodePayload(nil); got != nil {
		t.Errorf("nil payload: got %s", got)
	}
}
