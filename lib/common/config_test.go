package common

import (
	"bytes"
	"strings"
	"testing"

	"github.com/ValentinKolb/dGrid/lib/attrstore"
	"github.com/lni/dragonboat/v4/logger"
)

func TestParseClusterMembers(t *testing.T) {
	addrs, names, err := ParseClusterMembers("node-1=localhost:63001, node-2=localhost:63002")
	if err != nil {
		t.Fatal(err)
	}
	id := ReplicaID("node-2")
	if addrs[id] != "localhost:63002" || names[id] != "node-2" {
		t.Errorf("member node-2 = %q/%q", addrs[id], names[id])
	}
	if len(addrs) != 2 {
		t.Errorf("len(addrs) = %d", len(addrs))
	}

	for _, bad := range []string{"node-1", "=addr", "node-1=", "a=b=c"} {
		if _, _, err := ParseClusterMembers(bad); err == nil {
			t.Errorf("ParseClusterMembers(%q) succeeded", bad)
		}
	}
}

func TestReplicaIDStable(t *testing.T) {
	if ReplicaID("node-1") != ReplicaID("node-1") {
		t.Error("ReplicaID is not deterministic")
	}
	if ReplicaID("node-1") == ReplicaID("node-2") {
		t.Error("ReplicaID collision")
	}
}

func TestValidate(t *testing.T) {
	raftCfg := func() NodeConfig {
		c := DefaultNodeConfig()
		c.AttributeStore = attrstore.TypeRaft
		c.ReplicaID = ReplicaID("node-1")
		c.ClusterMembers = map[uint64]string{c.ReplicaID: "localhost:63001"}
		return c
	}

	tests := []struct {
		name    string
		cfg     func() NodeConfig
		wantErr bool
	}{
		{"default", DefaultNodeConfig, false},
		{"raft", raftCfg, false},
		{"missing space", func() NodeConfig { c := DefaultNodeConfig(); c.SpaceName = ""; return c }, true},
		{"zero partition", func() NodeConfig { c := DefaultNodeConfig(); c.PartitionID = 0; return c }, true},
		{"unknown store", func() NodeConfig { c := DefaultNodeConfig(); c.AttributeStore = "zookeeper"; return c }, true},
		{"bad log level", func() NodeConfig { c := DefaultNodeConfig(); c.LogLevel = "loud"; return c }, true},
		{"file without path", func() NodeConfig { c := DefaultNodeConfig(); c.AttributeStore = attrstore.TypeFile; return c }, true},
		{"raft replica not a member", func() NodeConfig { c := raftCfg(); c.ReplicaID = 7; return c }, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := tt.cfg()
			if err := cfg.Validate(); (err != nil) != tt.wantErr {
				t.Errorf("Validate() = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestString(t *testing.T) {
	cfg := DefaultNodeConfig()
	s := cfg.String()
	for _, want := range []string{"NODE IDENTITY", "grid_container1:grid", "ATTRIBUTE STORE", "transient"} {
		if !strings.Contains(s, want) {
			t.Errorf("String() does not contain %q", want)
		}
	}
	if strings.Contains(s, "RAFT PARAMETERS") {
		t.Error("raft section shown for transient store")
	}
}

func TestDragonboatConfig(t *testing.T) {
	cfg := DefaultNodeConfig()
	cfg.ReplicaID = 3
	cfg.ShardID = 9
	cfg.ClusterMembers = map[uint64]string{3: "localhost:63003"}

	rc := cfg.ToDragonboatConfig()
	if rc.ReplicaID != 3 || rc.ShardID != 9 || rc.ElectionRTT != electionRTTFactor {
		t.Errorf("ToDragonboatConfig() = %+v", rc)
	}
	if nh := cfg.ToNodeHostConfig(); nh.RaftAddress != "localhost:63003" || nh.NodeHostDir != "data" {
		t.Errorf("ToNodeHostConfig() = %+v", nh)
	}
}

func TestLoggerFormat(t *testing.T) {
	var buf bytes.Buffer
	prev := output
	output = &buf
	defer func() { output = prev }()

	l := CreateLogger("recovery")
	l.Debugf("hidden")
	l.Infof("hello %d", 1)
	l.SetLevel(logger.ERROR)
	l.Warningf("hidden")

	got := buf.String()
	if !strings.Contains(got, "INFO  | recovery        | hello 1") {
		t.Errorf("unexpected log output %q", got)
	}
	if strings.Contains(got, "hidden") {
		t.Errorf("filtered messages were written: %q", got)
	}
}

func TestParseLogLevel(t *testing.T) {
	for in, want := range map[string]logger.LogLevel{
		"debug": logger.DEBUG, "INFO": logger.INFO, "warn": logger.WARNING, "warning": logger.WARNING, "error": logger.ERROR,
	} {
		if got, err := ParseLogLevel(in); err != nil || got != want {
			t.Errorf("ParseLogLevel(%q) = %v, %v", in, got, err)
		}
	}
	if _, err := ParseLogLevel("trace"); err == nil {
		t.Error("ParseLogLevel(trace) succeeded")
	}
}
