package buffer

/*
ctingest — load Certificate Transparency logs into analytical stores
Copyright (C) 2025  Pepijn van der Stap <rxtls@vanderstap.info>

This program is free software: you can redistribute it and/or modify
it under the terms of the GNU Affero General Public License as published by
the Free Software Foundation, either version 3 of the License, or
(at your option) any later version.

This program is distributed in the hope that it will be useful,
but WITHOUT ANY WARRANTY; without even the implied warranty of
MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
GNU Affero General Public License for more details.

You should have received a copy of the GNU Affero General Public License
along with this program.  If not, see <https://www.gnu.org/licenses/>.
*/

import (
	"context"
	"fmt"
	"io"
	"log"
	"time"

	"github.com/confluentinc/confluent-kafka-go/kafka"
)

// watermarkQuerier is the part of a Kafka client used to measure a topic.
type watermarkQuerier interface {
	GetMetadata(topic *string, allTopics bool, timeoutMs int) (*kafka.Metadata, error)
	QueryWatermarkOffsets(topic string, partition int32, timeoutMs int) (low, high int64, err error)
}

func topicPartitions(q watermarkQuerier, topic string, timeoutMs int) ([]int32, error) {
	md, err := q.GetMetadata(&topic, false, timeoutMs)
	if err != nil {
		return nil, fmt.Errorf("metadata for %s: %w", topic, err)
	}
	tm, ok := md.Topics[topic]
	if !ok {
		return nil, fmt.Errorf("topic %s not found", topic)
	}
	if tm.Error.Code() != kafka.ErrNoError {
		return nil, fmt.Errorf("topic %s: %w", topic, tm.Error)
	}
	ids := make([]int32, 0, len(tm.Partitions))
	for _, p := range tm.Partitions {
		ids = append(ids, p.ID)
	}
	return ids, nil
}

// topicDepth sums high-low watermarks over every partition of topic.
func topicDepth(q watermarkQuerier, topic string, timeoutMs int) (int64, error) {
	ids, err := topicPartitions(q, topic, timeoutMs)
	if err != nil {
		return 0, err
	}
	var total int64
	for _, id := range ids {
		low, high, err := q.QueryWatermarkOffsets(topic, id, timeoutMs)
		if err != nil {
			return 0, fmt.Errorf("watermarks for %s[%d]: %w", topic, id, err)
		}
		total += high - low
	}
	return total, nil
}

// consumerLag sums high watermark minus committed offset for the consumer's group. Partitions
// without a committed offset count from their low watermark.
func consumerLag(c *kafka.Consumer, topic string, timeoutMs int) (int64, error) {
	ids, err := topicPartitions(c, topic, timeoutMs)
	if err != nil {
		return 0, err
	}
	parts := make([]kafka.TopicPartition, 0, len(ids))
	for _, id := range ids {
		parts = append(parts, kafka.TopicPartition{Topic: &topic, Partition: id})
	}
	committed, err := c.Committed(parts, timeoutMs)
	if err != nil {
		return 0, fmt.Errorf("committed offsets for %s: %w", topic, err)
	}

	var lag int64
	for _, tp := range committed {
		low, high, err := c.QueryWatermarkOffsets(topic, tp.Partition, timeoutMs)
		if err != nil {
			return 0, fmt.Errorf("watermarks for %s[%d]: %w", topic, tp.Partition, err)
		}
		from := low
		if off := int64(tp.Offset); off >= 0 && off > low {
			from = off
		}
		if high > from {
			lag += high - from
		}
	}
	return lag, nil
}

// TopicMonitor reports the number of messages held in a topic.
type TopicMonitor struct {
	topic    string
	consumer *kafka.Consumer
	querier  watermarkQuerier
}

// NewTopicMonitor connects a metadata-only consumer to brokers.
func NewTopicMonitor(brokers, topic, groupID string) (*TopicMonitor, error) {
	c, err := kafka.NewConsumer(&kafka.ConfigMap{
		"bootstrap.servers":  brokers,
		"group.id":           groupID,
		"enable.auto.commit": false,
	})
	if err != nil {
		return nil, fmt.Errorf("kafka consumer: %w", err)
	}
	return &TopicMonitor{topic: topic, consumer: c, querier: c}, nil
}

// Depth returns the sum of high-low watermarks over all partitions.
func (m *TopicMonitor) Depth(timeout time.Duration) (int64, error) {
	return topicDepth(m.querier, m.topic, int(timeout.Milliseconds()))
}

// Watch prints the topic depth every interval until ctx is done. Query errors are printed and
// polling continues.
func (m *TopicMonitor) Watch(ctx context.Context, w io.Writer, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		now := time.Now().Format("2006-01-02 15:04:05")
		depth, err := m.Depth(interval)
		if err != nil {
			fmt.Fprintf(w, "[%s] Error querying '%s': %v\n", now, m.topic, err)
		} else {
			fmt.Fprintf(w, "[%s] Total messages in '%s': %d\n", now, m.topic, depth)
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// Close releases the consumer.
func (m *TopicMonitor) Close() error {
	if m.consumer == nil {
		return nil
	}
	if err := m.consumer.Close(); err != nil {
		log.Printf("Error closing topic monitor: %v", err)
		return err
	}
	return nil
}
