package node

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	cmdUtil "github.com/ValentinKolb/dGrid/cmd/util"
	"github.com/ValentinKolb/dGrid/lib/attrstore"
	"github.com/ValentinKolb/dGrid/lib/common"
	gridnode "github.com/ValentinKolb/dGrid/lib/node"
	"github.com/VictoriaMetrics/metrics"
	"github.com/cockroachdb/errors"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var (
	nodeCmdConfig = common.DefaultNodeConfig()
	NodeCmd       = &cobra.Command{
		Use:     "node",
		Short:   "Start a dGrid node",
		Long:    `Start one replica of a space partition. The configuration can be set via command line flags or environment variables. The format of the environment variables is DGRID_<flag> (e.g. DGRID_WAIT_FOR_PRIMARY=2m)`,
		PreRunE: processConfig,
		RunE:    run,
	}
)

func init() {
	cobra.OnInitialize(cmdUtil.InitConfig)

	d := common.DefaultNodeConfig()
	f := NodeCmd.PersistentFlags()

	// identity
	f.String("space", d.SpaceName, cmdUtil.WrapString("Name of the space this node hosts a replica of"))
	f.String("container", d.ContainerName, cmdUtil.WrapString("Name of the container running this node. The full space name is <container>:<space>"))
	f.Int("partition", d.PartitionID, cmdUtil.WrapString("One based id of the partition"))
	f.String("instance-id", "", cmdUtil.WrapString("Unique id of this instance, appended to the last primary record when per instance persistency is off. A random UUID is used when empty"))

	// persistency
	f.Bool("per-instance-persistency", false, cmdUtil.WrapString("Whether every instance keeps its own persistent copy of the partition. Enables the last primary check before the election"))
	f.Bool("inconsistent-storage", false, cmdUtil.WrapString("Report the local storage as inconsistent, e.g. after a crash during a flush"))

	// admission
	f.Bool("quiesce-disabled", false, cmdUtil.WrapString("Disable quiesce and suspend for this node"))
	f.Bool("local-cache", false, cmdUtil.WrapString("Run as local cache / local view. Quiesce is not supported in this mode"))
	f.Duration("suspend-timeout", d.SuspendTimeout, cmdUtil.WrapString("How long operations wait for a suspension to be lifted"))
	f.Duration("suspend-jitter", d.SuspendJitter, cmdUtil.WrapString("Maximum random pause after a suspension was lifted (negative disables it)"))

	// recovery
	f.Duration("wait-for-primary", d.WaitForPrimary, cmdUtil.WrapString("How long a node waits for another node to become primary"))
	f.Duration("poll-interval", d.PollInterval, cmdUtil.WrapString("Interval in which the primary is looked up while waiting"))
	f.Int("max-recover-retries", d.MaxRecoverRetries, cmdUtil.WrapString("Failed recoveries after which a pending backup gives up"))
	f.Bool("primary", false, cmdUtil.WrapString("Whether this node wins the election (file and transient stores only; with the raft store the shard leader is primary)"))

	// replication
	f.Int64("throttle-threshold", d.ThrottleThreshold, cmdUtil.WrapString("Replication backlog size at which the dispatcher is throttled"))
	f.Duration("throttle-delay", d.ThrottleDelay, cmdUtil.WrapString("How long a throttled dispatcher is blocked"))
	f.Int("redo-log-capacity", d.RedoLogCapacity, cmdUtil.WrapString("Packets kept in memory by the redo log"))
	f.Int("redo-log-batch", d.RedoLogBatchSize, cmdUtil.WrapString("Packets moved to secondary storage per swap. Must not exceed the capacity"))

	// attribute store
	f.String("attribute-store", string(d.AttributeStore), cmdUtil.WrapString("Where the last primary record is kept (transient, file, raft)"))
	f.String("attribute-store-path", "", cmdUtil.WrapString("Path of the file attribute store"))

	// raft
	f.Uint64("shard-id", d.ShardID, cmdUtil.WrapString("(raft store) Shard id of the attribute store"))
	f.Int("rtt-millisecond", int(d.RTTMillisecond), cmdUtil.WrapString("(raft store) RTTMillisecond defines the average Round Trip Time (RTT) in milliseconds between two NodeHost instances"))
	f.Int("snapshot-entries", int(d.SnapshotEntries), cmdUtil.WrapString("(raft store) SnapshotEntries defines how often the state machine should be snapshotted automatically"))
	f.Int("compaction-overhead", int(d.CompactionOverhead), cmdUtil.WrapString("(raft store) CompactionOverhead defines the number of snapshots that should be retained"))
	f.String("data-dir", d.DataDir, cmdUtil.WrapString("(raft store) DataDir is the directory used for storing the snapshots"))
	f.String("replica-id", "", cmdUtil.WrapString("(raft store) Name of this member in cluster-members. Defaults to the container name"))
	f.String("cluster-members", "", cmdUtil.WrapString("(raft store) Comma-separated list of members in the format 'container1=localhost:63001,container2=localhost:63002,...'. Member names are container names"))
	f.Int64("timeout", d.TimeoutSecond, cmdUtil.WrapString("(raft store) Timeout in seconds"))

	// output
	f.String("log-level", d.LogLevel, cmdUtil.WrapString("LogLevel is the level at which logs will be output (debug, info, warn, error)"))
	f.Bool("metrics", false, cmdUtil.WrapString("Print the collected metrics in Prometheus format on shutdown"))
}

// processConfig reads the configuration from the command line flags and environment variables and converts them to the node configuration
func processConfig(cmd *cobra.Command, _ []string) error {
	if err := cmdUtil.BindCommandFlags(cmd); err != nil {
		return err
	}

	c := &nodeCmdConfig
	c.SpaceName = viper.GetString("space")
	c.ContainerName = viper.GetString("container")
	c.PartitionID = viper.GetInt("partition")
	c.InstanceID = viper.GetString("instance-id")
	c.PerInstancePersistency = viper.GetBool("per-instance-persistency")
	c.InconsistentStorage = viper.GetBool("inconsistent-storage")
	c.QuiesceDisabled = viper.GetBool("quiesce-disabled")
	c.LocalCache = viper.GetBool("local-cache")
	c.SuspendTimeout = viper.GetDuration("suspend-timeout")
	c.SuspendJitter = viper.GetDuration("suspend-jitter")
	c.WaitForPrimary = viper.GetDuration("wait-for-primary")
	c.PollInterval = viper.GetDuration("poll-interval")
	c.MaxRecoverRetries = viper.GetInt("max-recover-retries")
	c.ThrottleThreshold = viper.GetInt64("throttle-threshold")
	c.ThrottleDelay = viper.GetDuration("throttle-delay")
	c.RedoLogCapacity = viper.GetInt("redo-log-capacity")
	c.RedoLogBatchSize = viper.GetInt("redo-log-batch")
	c.AttributeStorePath = viper.GetString("attribute-store-path")
	c.ShardID = viper.GetUint64("shard-id")
	c.RTTMillisecond = viper.GetUint64("rtt-millisecond")
	c.SnapshotEntries = viper.GetUint64("snapshot-entries")
	c.CompactionOverhead = viper.GetUint64("compaction-overhead")
	c.DataDir = viper.GetString("data-dir")
	c.TimeoutSecond = viper.GetInt64("timeout")
	c.LogLevel = viper.GetString("log-level")

	storeType, err := attrstore.ParseType(viper.GetString("attribute-store"))
	if err != nil {
		return err
	}
	c.AttributeStore = storeType

	if storeType == attrstore.TypeRaft {
		members := viper.GetString("cluster-members")
		if members == "" {
			return fmt.Errorf("cluster-members is required for the raft attribute store")
		}
		if c.ClusterMembers, c.MemberNames, err = common.ParseClusterMembers(members); err != nil {
			return err
		}
		replica := viper.GetString("replica-id")
		if replica == "" {
			replica = c.ContainerName
		}
		c.ReplicaID = common.ReplicaID(replica)
	}

	return c.Validate()
}

// run starts the node and blocks until it receives SIGINT or SIGTERM
func run(_ *cobra.Command, _ []string) error {
	if err := common.InitLoggers(nodeCmdConfig); err != nil {
		return err
	}
	fmt.Print(nodeCmdConfig.String())

	n, err := gridnode.New(nodeCmdConfig, gridnode.Options{})
	if err != nil {
		return err
	}
	defer n.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	elected := n.RaftElection
	if nodeCmdConfig.AttributeStore != attrstore.TypeRaft {
		primary := viper.GetBool("primary")
		elected = func(context.Context) (bool, error) { return primary, nil }
	}

	if err := n.Start(ctx, elected); err != nil {
		return errors.Wrap(err, "failed to start node")
	}

	printStatus(n)
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			printStatus(n)
			if viper.GetBool("metrics") {
				metrics.WritePrometheus(os.Stdout, false)
			}
			return nil
		case <-ticker.C:
			printStatus(n)
		}
	}
}

func printStatus(n *gridnode.Node) {
	s, err := n.Status()
	if err != nil {
		fmt.Printf("failed to read status: %v\n", err)
	}
	fmt.Print(s.String())
}
