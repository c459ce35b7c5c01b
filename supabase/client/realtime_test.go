package client

import "testing"

func TestPostgresChangesTopic(t *testing.T) {
	cfg := PostgresChangesConfig{Table: "module_activations"}
	if got := cfg.Topic(); got != "realtime:public:module_activations" {
		t.Errorf("Topic() = %s, want realtime:public:module_activations", got)
	}

	cfg.Schema = "tenants"
	cfg.Filter = "store_id=eq.store-1"
	want := "realtime:tenants:module_activations:store_id=eq.store-1"
	if got := cfg.Topic(); got != want {
		t.Errorf("Topic() = %s, want %s", got, want)
	}
}

func TestChangeType(t *testing.T) {
	cases := []struct {
		name    string
		message string
		want    string
	}{
		{"payload type", `{"topic":"realtime:public:t","event":"postgres_changes","payload":{"type":"INSERT"}}`, "INSERT"},
		{"event field", `{"topic":"realtime:public:t","event":"DELETE","payload":{}}`, "DELETE"},
		{"phoenix frame", `{"topic":"phoenix","event":"phx_reply","payload":{"status":"ok"}}`, ""},
		{"heartbeat", `{"topic":"phoenix","event":"heartbeat","payload":{}}`, ""},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := changeType([]byte(tc.message)); got != tc.want {
				t.Errorf("changeType() = %q, want %q", got, tc.want)
			}
		})
	}
}
