package messaging

import (
	"errors"
	"strings"

	"github.com/nats-io/nats.go"
)

const (
	reportsStream = "REPORTS"
	changesStream = "CHANGES"
)

// Stable topic names. The report topics carry scanner output for the digest
// path; task-changed carries live mutation notices for the streamer.
const (
	TopicAllTasks        = "all-tasks-topic"
	TopicUnfinishedTasks = "unfinished-tasks-topic"
	TopicFinishedTasks   = "finished-tasks-topic"
	TopicTaskChanged     = "task-changed"
)

// ReportTopics lists the scanner-to-digest topics in a fixed order.
var ReportTopics = []string{TopicAllTasks, TopicUnfinishedTasks, TopicFinishedTasks}

// EnsureStreams creates (or validates) the two streams required locally:
// - report.> (scanner reports, consumed by digest-mailer)
// - change.> (task mutation notices, consumed by notify-streamer)
func EnsureStreams(js nats.JetStreamContext) error {
	if _, err := js.StreamInfo(reportsStream); err != nil {
		if errors.Is(err, nats.ErrStreamNotFound) {
			if _, addErr := js.AddStream(&nats.StreamConfig{
				Name:      reportsStream,
				Subjects:  []string{"report.>"},
				Retention: nats.LimitsPolicy,
				Storage:   nats.FileStorage,
				Replicas:  1,
			}); addErr != nil {
				return addErr
			}
		} else {
			return err
		}
	}

	if _, err := js.StreamInfo(changesStream); err != nil {
		if errors.Is(err, nats.ErrStreamNotFound) {
			if _, addErr := js.AddStream(&nats.StreamConfig{
				Name:      changesStream,
				Subjects:  []string{"change.>"},
				Retention: nats.LimitsPolicy,
				Storage:   nats.FileStorage,
				Replicas:  1,
			}); addErr != nil {
				return addErr
			}
		} else {
			return err
		}
	}

	return nil
}

// ReportSubject returns the subject for one owner's report on a topic.
// Format: report.{topic}.{owner_user_id} — the owner id token is the
// partitioning key, so per-owner ordering holds within the stream.
func ReportSubject(topic, ownerUserID string) string {
	return "report." + topic + "." + ownerUserID
}

// ReportTopicSubject returns the wildcard subject covering one report topic.
func ReportTopicSubject(topic string) string {
	return "report." + topic + ".*"
}

// ChangeSubject returns the subject for one owner's mutation notices.
func ChangeSubject(ownerUserID string) string {
	return "change." + TopicTaskChanged + "." + ownerUserID
}

// OwnerFromSubject extracts the owner id token from a report or change
// subject, or "" when the subject does not match either layout.
func OwnerFromSubject(subject string) string {
	parts := strings.Split(subject, ".")
	if len(parts) != 3 {
		return ""
	}
	if parts[0] != "report" && parts[0] != "change" {
		return ""
	}
	return parts[2]
}
