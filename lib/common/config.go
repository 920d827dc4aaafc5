package common

import (
	"fmt"
	"hash/fnv"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/ValentinKolb/dGrid/lib/attrstore"
	"github.com/cockroachdb/errors"
	"github.com/lni/dragonboat/v4/config"
)

// --------------------------------------------------------------------------
// helper functions to interface with Dragonboat (for the raft attribute store)
// --------------------------------------------------------------------------

// Dragonboat uses RTT (Round Trip Time) to determine the timing of elections and heartbeats.
// These default values are selected according to the RAFT Paper
const (
	electionRTTFactor  = 10
	heartbeatRTTFactor = 1
)

// ToDragonboatConfig converts the NodeConfig to the Dragonboat Config of the
// attribute store shard.
func (c *NodeConfig) ToDragonboatConfig() config.Config {
	return config.Config{
		ReplicaID:          c.ReplicaID,
		ShardID:            c.ShardID,
		ElectionRTT:        electionRTTFactor,
		HeartbeatRTT:       heartbeatRTTFactor,
		CheckQuorum:        true,
		SnapshotEntries:    c.SnapshotEntries,
		CompactionOverhead: c.CompactionOverhead,
		MaxInMemLogSize:    0,
	}
}

// ToNodeHostConfig creates a NodeHostConfig for Dragonboat
func (c *NodeConfig) ToNodeHostConfig() config.NodeHostConfig {
	return config.NodeHostConfig{
		WALDir:         c.DataDir,
		NodeHostDir:    c.DataDir,
		RTTMillisecond: c.RTTMillisecond,
		RaftAddress:    c.ClusterMembers[c.ReplicaID],
	}
}

// ReplicaID derives a stable numeric replica id from a node name.
func ReplicaID(name string) uint64 {
	h := fnv.New64a()
	_, _ = h.Write([]byte(name))
	return h.Sum64()
}

// ParseClusterMembers parses 'node-1=localhost:63001,node-2=localhost:63002'.
// It returns the raft addresses and the node names, both keyed by replica id.
func ParseClusterMembers(s string) (map[uint64]string, map[uint64]string, error) {
	addrs := make(map[uint64]string)
	names := make(map[uint64]string)
	for _, member := range strings.Split(s, ",") {
		parts := strings.Split(strings.TrimSpace(member), "=")
		if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
			return nil, nil, errors.Newf("invalid cluster member format: %s (expected name=address)", member)
		}
		id := ReplicaID(parts[0])
		addrs[id] = parts[1]
		names[id] = parts[0]
	}
	return addrs, names, nil
}

// --------------------------------------------------------------------------
// Node configuration struct
// --------------------------------------------------------------------------

// NodeConfig holds all configuration parameters of one grid node.
type NodeConfig struct {
	// Identity
	SpaceName     string
	ContainerName string
	PartitionID   int // one based
	InstanceID    string

	// Persistency
	PerInstancePersistency bool
	InconsistentStorage    bool

	// Admission
	QuiesceDisabled bool
	LocalCache      bool
	SuspendTimeout  time.Duration
	SuspendJitter   time.Duration

	// Recovery
	WaitForPrimary    time.Duration
	PollInterval      time.Duration
	MaxRecoverRetries int

	// Replication
	ThrottleThreshold int64
	ThrottleDelay     time.Duration
	RedoLogCapacity   int
	RedoLogBatchSize  int

	// Attribute store
	AttributeStore     attrstore.Type
	AttributeStorePath string

	// Dragonboat parameters (raft attribute store only)
	ShardID            uint64
	RTTMillisecond     uint64
	SnapshotEntries    uint64
	CompactionOverhead uint64
	DataDir            string
	ReplicaID          uint64
	ClusterMembers     map[uint64]string
	MemberNames        map[uint64]string
	TimeoutSecond      int64

	// Logging configuration
	LogLevel string
}

// DefaultNodeConfig returns a single node configuration with a transient
// attribute store.
func DefaultNodeConfig() NodeConfig {
	return NodeConfig{
		SpaceName:         "grid",
		ContainerName:     "grid_container1",
		PartitionID:       1,
		SuspendTimeout:    20 * time.Second,
		SuspendJitter:     time.Second,
		WaitForPrimary:    5 * time.Minute,
		PollInterval:      time.Second,
		MaxRecoverRetries: 10,
		ThrottleThreshold: 100_000,
		ThrottleDelay:     100 * time.Millisecond,
		RedoLogCapacity:   150_000,
		RedoLogBatchSize:  1_000,
		AttributeStore:    attrstore.TypeTransient,
		ShardID:           1,
		RTTMillisecond:    100,
		SnapshotEntries:   10,
		DataDir:           "data",
		TimeoutSecond:     5,
		LogLevel:          "info",
	}
}

// FullSpaceName is the cluster wide unique name of this node's space replica.
func (c *NodeConfig) FullSpaceName() string {
	return c.ContainerName + ":" + c.SpaceName
}

// Timeout is TimeoutSecond as a duration.
func (c *NodeConfig) Timeout() time.Duration {
	return time.Duration(c.TimeoutSecond) * time.Second
}

// Validate checks that the configuration can be used to start a node.
func (c *NodeConfig) Validate() error {
	if c.SpaceName == "" || c.ContainerName == "" {
		return errors.New("space name and container name are required")
	}
	if c.PartitionID <= 0 {
		return errors.Newf("partition id must be one based, got %d", c.PartitionID)
	}
	if _, err := attrstore.ParseType(string(c.AttributeStore)); err != nil {
		return err
	}
	if _, err := ParseLogLevel(c.LogLevel); err != nil {
		return err
	}

	switch c.AttributeStore {
	case attrstore.TypeFile:
		if c.AttributeStorePath == "" {
			return errors.New("attribute store path is required for the file attribute store")
		}
	case attrstore.TypeRaft:
		if len(c.ClusterMembers) == 0 {
			return errors.New("cluster members are required for the raft attribute store")
		}
		if _, ok := c.ClusterMembers[c.ReplicaID]; !ok {
			return errors.Newf("no address found for replica ID %d in cluster members", c.ReplicaID)
		}
		if c.TimeoutSecond <= 0 {
			return errors.New("timeout must be positive")
		}
	}
	return nil
}

// String returns a formatted string representation of the configuration
func (c *NodeConfig) String() string {
	var sb strings.Builder

	// Create helper functions for consistent formatting
	addSection := func(title string) {
		sb.WriteString("\n")
		sb.WriteString(fmt.Sprintf("%s\n", strings.ToUpper(title)))
	}

	addField := func(name, value string) {
		sb.WriteString(fmt.Sprintf("  %-22s: %s\n", name, value))
	}

	addSection("Node Identity")
	addField("Space", c.SpaceName)
	addField("Container", c.ContainerName)
	addField("Full Space Name", c.FullSpaceName())
	addField("Partition", strconv.Itoa(c.PartitionID))

	addSection("Persistency")
	addField("Per Instance", strconv.FormatBool(c.PerInstancePersistency))
	addField("Inconsistent Storage", strconv.FormatBool(c.InconsistentStorage))

	addSection("Admission")
	addField("Quiesce Enabled", strconv.FormatBool(!c.QuiesceDisabled && !c.LocalCache))
	addField("Suspend Timeout", c.SuspendTimeout.String())
	addField("Suspend Jitter", c.SuspendJitter.String())

	addSection("Recovery")
	addField("Wait For Primary", c.WaitForPrimary.String())
	addField("Poll Interval", c.PollInterval.String())
	addField("Max Recover Retries", strconv.Itoa(c.MaxRecoverRetries))

	addSection("Replication")
	addField("Throttle Threshold", strconv.FormatInt(c.ThrottleThreshold, 10))
	addField("Throttle Delay", c.ThrottleDelay.String())
	addField("Redo Log Capacity", strconv.Itoa(c.RedoLogCapacity))
	addField("Redo Log Batch Size", strconv.Itoa(c.RedoLogBatchSize))

	addSection("Attribute Store")
	addField("Type", string(c.AttributeStore))
	if c.AttributeStore == attrstore.TypeFile {
		addField("Path", c.AttributeStorePath)
	}

	if c.AttributeStore == attrstore.TypeRaft {
		addField("Shard", strconv.FormatUint(c.ShardID, 10))
		addField("RAFT Address", c.ClusterMembers[c.ReplicaID])
		addField("Node ID", strconv.FormatUint(c.ReplicaID, 10))

		// RAFT parameters
		addSection("RAFT Parameters")
		addField("Round Trip Time (ms)", fmt.Sprintf("%d ms", c.RTTMillisecond))
		addField("Election RTT (ms)", fmt.Sprintf("%d", c.RTTMillisecond*electionRTTFactor))
		addField("Heartbeat RTT (ms)", fmt.Sprintf("%d", c.RTTMillisecond*heartbeatRTTFactor))
		addField("Snapshot Entries", fmt.Sprintf("%d", c.SnapshotEntries))
		addField("Compaction Overhead", fmt.Sprintf("%d", c.CompactionOverhead))
		addField("Timeout", fmt.Sprintf("%d sec", c.TimeoutSecond))
		addField("Data Directory", c.DataDir)

		sb.WriteString("  Initial Members:\n")

		// Sort keys for consistent output
		var keys []uint64
		for k := range c.ClusterMembers {
			keys = append(keys, k)
		}
		sort.Slice(keys, func(i, j int) bool { return keys[i] < keys[j] })

		for _, k := range keys {
			sb.WriteString(fmt.Sprintf("    %s (%d): %s\n", c.MemberNames[k], k, c.ClusterMembers[k]))
		}
	}

	addSection("Logging")
	addField("Log Level", c.LogLevel)
	return sb.String()
}
