package scanner

import (
	"context"
	"encoding/json"
	"sort"
	"time"

	"github.com/nats-io/nuid"
	"github.com/taskwatch/project/internal/app/tasks"
	"github.com/taskwatch/project/internal/contracts"
	"github.com/taskwatch/project/internal/messaging"
	"github.com/taskwatch/project/internal/platform/metrics"
)

// SnapshotReader provides the single consistent read a tick works from.
type SnapshotReader interface {
	SnapshotAll(ctx context.Context) ([]tasks.OwnedSnapshot, error)
}

type PublishFunc func(subject string, payload []byte) error

// FailedPublish is one event that could not be handed to the bus. The tick
// does not retry it from stale state; the caller logs it as retry-eligible
// and the next tick republishes from a fresh snapshot.
type FailedPublish struct {
	Subject string
	Topic   string
	Owner   string
	Err     error
}

type TickSummary struct {
	Owners    int
	Published int
	Failed    []FailedPublish
}

// Service is the periodic task scanner: Idle -> Scanning -> Publishing ->
// Idle on each tick.
type Service struct {
	Reader  SnapshotReader
	Publish PublishFunc
	Now     func() time.Time
	NewID   func() string

	tick int64
}

func NewService(reader SnapshotReader, publish PublishFunc) *Service {
	return &Service{
		Reader:  reader,
		Publish: publish,
		Now:     func() time.Time { return time.Now().UTC() },
		NewID:   nuid.Next,
	}
}

type ownerPartition struct {
	email      string
	all        []contracts.TaskSnapshot
	unfinished []contracts.TaskSnapshot
	finished   []contracts.TaskSnapshot
}

// Tick reads one snapshot of task state, partitions it per owner into the
// three classification sets and publishes exactly one event per non-empty
// (owner, classification) pair, keyed by owner id.
func (s *Service) Tick(ctx context.Context) (TickSummary, error) {
	snapshots, err := s.Reader.SnapshotAll(ctx)
	if err != nil {
		return TickSummary{}, err
	}
	s.tick++
	generatedAt := s.Now()

	byOwner := map[string]*ownerPartition{}
	for _, snap := range snapshots {
		partition, ok := byOwner[snap.OwnerUserID]
		if !ok {
			partition = &ownerPartition{email: snap.OwnerEmail}
			byOwner[snap.OwnerUserID] = partition
		}
		partition.all = append(partition.all, snap.TaskSnapshot)
		if snap.Status == contracts.StatusDone {
			partition.finished = append(partition.finished, snap.TaskSnapshot)
		} else {
			partition.unfinished = append(partition.unfinished, snap.TaskSnapshot)
		}
	}

	owners := make([]string, 0, len(byOwner))
	for owner := range byOwner {
		owners = append(owners, owner)
	}
	sort.Strings(owners)

	summary := TickSummary{Owners: len(owners)}
	for _, owner := range owners {
		partition := byOwner[owner]
		sets := []struct {
			topic string
			tasks []contracts.TaskSnapshot
		}{
			{messaging.TopicAllTasks, partition.all},
			{messaging.TopicUnfinishedTasks, partition.unfinished},
			{messaging.TopicFinishedTasks, partition.finished},
		}
		for _, set := range sets {
			if len(set.tasks) == 0 {
				continue
			}
			event := contracts.ReportEvent{
				EventID:     s.NewID(),
				Topic:       set.topic,
				OwnerUserID: owner,
				OwnerEmail:  partition.email,
				Tasks:       set.tasks,
				GeneratedAt: generatedAt,
				ScannerTick: s.tick,
			}
			payload, err := json.Marshal(event)
			if err != nil {
				summary.Failed = append(summary.Failed, FailedPublish{
					Subject: messaging.ReportSubject(set.topic, owner),
					Topic:   set.topic,
					Owner:   owner,
					Err:     err,
				})
				continue
			}
			subject := messaging.ReportSubject(set.topic, owner)
			if err := s.Publish(subject, payload); err != nil {
				publishFailures.WithLabelValues(set.topic).Inc()
				summary.Failed = append(summary.Failed, FailedPublish{
					Subject: subject,
					Topic:   set.topic,
					Owner:   owner,
					Err:     err,
				})
				continue
			}
			published.WithLabelValues(set.topic).Inc()
			summary.Published++
		}
	}

	return summary, nil
}

var published = metrics.NewCounterVec(metrics.Opts{
	Name: "scanner_events_published_total",
	Help: "Report events published per topic.",
}, []string{"topic"})

var publishFailures = metrics.NewCounterVec(metrics.Opts{
	Name: "scanner_publish_failures_total",
	Help: "Report events that failed to publish per topic.",
}, []string{"topic"})

func init() {
	metrics.Default.MustRegister(published, publishFailures)
}
