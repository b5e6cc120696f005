// rebexecd is the ambient CLI surface that exercises executor.Executor
// end to end: it wires config, control plane, cluster view, load monitor
// and stats registry together, then exposes submit/stop/status verbs.
/*
 * Copyright (c) 2024, smtwilio. All rights reserved.
 */
package main

import (
	"encoding/csv"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/golang/glog"
	jsoniter "github.com/json-iterator/go"
	"github.com/twmb/franz-go/pkg/kgo"
	"github.com/urfave/cli/v2"

	"github.com/smtwilio/cruise-control/cluster"
	"github.com/smtwilio/cruise-control/cmn"
	"github.com/smtwilio/cruise-control/cplane"
	"github.com/smtwilio/cruise-control/executor"
	"github.com/smtwilio/cruise-control/loadmonitor"
	"github.com/smtwilio/cruise-control/stats"
	"github.com/smtwilio/cruise-control/task"
)

var (
	configFlag = &cli.StringFlag{Name: "config", Usage: "path to a JSON config file", Value: "/etc/rebexecd/config.json"}
	brokerFlag = &cli.StringSliceFlag{Name: "brokers", Usage: "comma-separated list of bootstrap brokers", Value: cli.NewStringSlice("localhost:9092")}

	proposalsFlag = &cli.StringFlag{Name: "proposals", Required: true, Usage: "path to a CSV file of topic,partition,oldReplicas,newReplicas,oldLeader,newLeader,dataToMoveMB proposal rows"}
	partCapFlag   = &cli.IntFlag{Name: "partition-cap", Usage: "override the per-broker replica movement concurrency for this execution"}
	leadCapFlag   = &cli.IntFlag{Name: "leader-cap", Usage: "override the global leadership movement concurrency for this execution"}
	demoteFlag    = &cli.Int64SliceFlag{Name: "demote", Usage: "broker ids being demoted by this execution"}
	removeFlag    = &cli.Int64SliceFlag{Name: "remove", Usage: "broker ids being removed by this execution"}

	jsonFlag = &cli.BoolFlag{Name: "json", Usage: "print status as JSON"}
)

// app bundles the long-lived collaborators a running rebexecd process holds,
// mirroring the teacher's pattern of wiring dependencies once in main and
// handing them to command handlers (cli/commands/common.go).
type app struct {
	cfg   *cmn.Config
	cp    *cplane.KadmControlPlane
	view  *cluster.KafkaView
	lm    *loadmonitor.Poller
	stats *stats.Registry
	ex    *executor.Executor
}

func newApp(c *cli.Context) (*app, error) {
	cfg, err := cmn.LoadConfig(c.String(configFlag.Name))
	if err != nil {
		glog.Warningf("rebexecd: %v, falling back to defaults", err)
		cfg = cmn.DefaultConfig()
	}
	cmn.GCO.Put(cfg)

	brokers := c.StringSlice(brokerFlag.Name)
	cl, err := kgo.NewClient(kgo.SeedBrokers(brokers...))
	if err != nil {
		return nil, cmn.Wrap(err, "rebexecd: connect to cluster")
	}

	cp := cplane.NewKadmControlPlane(cl)
	view := cluster.NewKafkaView(cl)
	if err := view.Refresh(); err != nil {
		return nil, cmn.Wrap(err, "rebexecd: initial cluster view refresh")
	}

	reg := stats.NewRegistry()
	lm := loadmonitor.NewPoller()
	ex := executor.New(cp, view, cfg, reg)

	return &app{cfg: cfg, cp: cp, view: view, lm: lm, stats: reg, ex: ex}, nil
}

func main() {
	defer glog.Flush()

	app := &cli.App{
		Name:  "rebexecd",
		Usage: "drive a Kafka-compatible cluster through a batch of replica/leader reassignments",
		Flags: []cli.Flag{configFlag, brokerFlag},
		Commands: []*cli.Command{
			submitCommand,
			stopCommand,
			statusCommand,
		},
	}

	if err := app.Run(os.Args); err != nil {
		glog.Errorf("rebexecd: %v", err)
		os.Exit(1)
	}
}

var submitCommand = &cli.Command{
	Name:  "submit",
	Usage: "start an execution from a CSV file of proposals",
	Flags: []cli.Flag{proposalsFlag, partCapFlag, leadCapFlag, demoteFlag, removeFlag},
	Action: func(c *cli.Context) error {
		a, err := newApp(c)
		if err != nil {
			return err
		}

		proposals, err := loadProposals(c.String(proposalsFlag.Name))
		if err != nil {
			return cmn.Wrap(err, "rebexecd: load proposals")
		}

		var partCap, leadCap *int
		if c.IsSet(partCapFlag.Name) {
			v := c.Int(partCapFlag.Name)
			partCap = &v
		}
		if c.IsSet(leadCapFlag.Name) {
			v := c.Int(leadCapFlag.Name)
			leadCap = &v
		}

		demoted := int64SliceToInt32(c.Int64Slice(demoteFlag.Name))
		removed := int64SliceToInt32(c.Int64Slice(removeFlag.Name))

		var err2 error
		if len(demoted) > 0 {
			err2 = a.ex.ExecuteDemoteProposals(proposals, demoted, a.lm, partCap, leadCap, nil)
		} else {
			err2 = a.ex.ExecuteProposals(proposals, nil, removed, a.lm, partCap, leadCap, nil)
		}
		if err2 != nil {
			return err2
		}

		fmt.Printf("execution started: %s\n", a.ex.State().ExecutionID)
		return nil
	},
}

var stopCommand = &cli.Command{
	Name:  "stop",
	Usage: "request a clean stop of the in-flight execution",
	Action: func(c *cli.Context) error {
		a, err := newApp(c)
		if err != nil {
			return err
		}
		a.ex.UserTriggeredStopExecution()
		fmt.Println("stop requested")
		return nil
	},
}

var statusCommand = &cli.Command{
	Name:  "status",
	Usage: "print the current ExecutorState snapshot",
	Flags: []cli.Flag{jsonFlag},
	Action: func(c *cli.Context) error {
		a, err := newApp(c)
		if err != nil {
			return err
		}

		st := a.ex.State()
		if c.Bool(jsonFlag.Name) {
			out, err := jsoniter.MarshalIndent(st, "", "  ")
			if err != nil {
				return cmn.Wrap(err, "rebexecd: marshal status")
			}
			fmt.Println(string(out))
			return nil
		}

		fmt.Printf("phase: %s\n", st.Phase)
		fmt.Printf("finished partition movements: %d\n", st.FinishedPartitionMovements)
		fmt.Printf("finished leader movements: %d\n", st.FinishedLeaderMovements)
		fmt.Printf("finished data moved (MB): %d\n", st.FinishedDataMovedMB)
		return nil
	},
}

// loadProposals decodes a CSV of
// topic,partition,oldReplicas,newReplicas,oldLeader,newLeader,dataToMoveMB
// where replica lists are "|"-separated broker ids - a minimal wire format
// good enough for an operator-driven CLI, not a stand-in for a real
// proposal-generation service (out of scope, per spec.md Non-goals).
func loadProposals(path string) ([]*task.ExecutionProposal, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	r := csv.NewReader(f)
	records, err := r.ReadAll()
	if err != nil {
		return nil, err
	}

	proposals := make([]*task.ExecutionProposal, 0, len(records))
	for _, rec := range records {
		if len(rec) != 7 {
			return nil, fmt.Errorf("rebexecd: malformed proposal record: %v", rec)
		}
		partition, err := strconv.ParseInt(rec[1], 10, 32)
		if err != nil {
			return nil, err
		}
		oldReplicas, err := parseReplicaList(rec[2])
		if err != nil {
			return nil, err
		}
		newReplicas, err := parseReplicaList(rec[3])
		if err != nil {
			return nil, err
		}
		oldLeader, err := strconv.ParseInt(rec[4], 10, 32)
		if err != nil {
			return nil, err
		}
		newLeader, err := strconv.ParseInt(rec[5], 10, 32)
		if err != nil {
			return nil, err
		}
		dataToMoveMB, err := strconv.ParseInt(rec[6], 10, 64)
		if err != nil {
			return nil, err
		}

		proposals = append(proposals, &task.ExecutionProposal{
			TopicPartition: cluster.TopicPartition{Topic: rec[0], Partition: int32(partition)},
			OldReplicas:    oldReplicas,
			NewReplicas:    newReplicas,
			OldLeader:      int32(oldLeader),
			NewLeader:      int32(newLeader),
			DataToMoveMB:   dataToMoveMB,
		})
	}
	return proposals, nil
}

func parseReplicaList(s string) ([]int32, error) {
	if s == "" {
		return nil, nil
	}
	parts := strings.Split(s, "|")
	out := make([]int32, len(parts))
	for i, p := range parts {
		v, err := strconv.ParseInt(p, 10, 32)
		if err != nil {
			return nil, err
		}
		out[i] = int32(v)
	}
	return out, nil
}

func int64SliceToInt32(in []int64) []int32 {
	out := make([]int32, len(in))
	for i, v := range in {
		out[i] = int32(v)
	}
	return out
}
