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
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"strconv"
	"sync"
	"time"

	"github.com/confluentinc/confluent-kafka-go/kafka"
	"github.com/zeebo/xxh3"

	"github.com/x-stp/ctingest/internal/certlib"
)

// KafkaOptions configures a Kafka-backed buffer.
type KafkaOptions struct {
	Brokers string
	Topic   string
	GroupID string
	// PollTimeout bounds each ReadMessage so Get notices cancellation.
	PollTimeout time.Duration
}

// Kafka is a Buffer backed by a Kafka topic, one JSON-encoded batch per message. It lets the
// fetch side and any number of load processes run separately. The producer and consumer are
// created on first Put and first Get respectively.
type Kafka struct {
	opts KafkaOptions

	prodMu   sync.Mutex
	producer *kafka.Producer

	// consMu is read-held per poll and per lag query, so Len never waits out a Get.
	consMu   sync.RWMutex
	consumer *kafka.Consumer

	closeOnce sync.Once
	done      chan struct{}
}

// NewKafka validates opts and returns an unconnected Kafka buffer.
func NewKafka(opts KafkaOptions) (*Kafka, error) {
	if opts.Brokers == "" || opts.Topic == "" {
		return nil, errors.New("kafka buffer requires brokers and topic")
	}
	if opts.GroupID == "" {
		opts.GroupID = "ctingest"
	}
	if opts.PollTimeout <= 0 {
		opts.PollTimeout = time.Second
	}
	return &Kafka{opts: opts, done: make(chan struct{})}, nil
}

// BatchKey is the message key for a batch. Equal ranges of the same log hash to the same key,
// and so to the same partition.
func BatchKey(b *certlib.Batch) []byte {
	h := xxh3.HashString(b.LogURL + "|" + strconv.FormatUint(b.Start, 10))
	key := make([]byte, 8)
	binary.BigEndian.PutUint64(key, h)
	return key
}

func (k *Kafka) getProducer() (*kafka.Producer, error) {
	k.prodMu.Lock()
	defer k.prodMu.Unlock()
	if k.producer != nil {
		return k.producer, nil
	}
	p, err := kafka.NewProducer(&kafka.ConfigMap{
		"bootstrap.servers": k.opts.Brokers,
		"message.max.bytes": 16 * 1024 * 1024,
		"compression.type":  "lz4",
	})
	if err != nil {
		return nil, fmt.Errorf("kafka producer: %w", err)
	}
	k.producer = p
	return p, nil
}

func (k *Kafka) getConsumer() (*kafka.Consumer, error) {
	k.consMu.Lock()
	defer k.consMu.Unlock()
	select {
	case <-k.done:
		return nil, ErrBufferClosed
	default:
	}
	if k.consumer != nil {
		return k.consumer, nil
	}
	c, err := kafka.NewConsumer(&kafka.ConfigMap{
		"bootstrap.servers": k.opts.Brokers,
		"group.id":          k.opts.GroupID,
		"auto.offset.reset": "earliest",
	})
	if err != nil {
		return nil, fmt.Errorf("kafka consumer: %w", err)
	}
	if err := c.Subscribe(k.opts.Topic, nil); err != nil {
		c.Close()
		return nil, fmt.Errorf("kafka subscribe %s: %w", k.opts.Topic, err)
	}
	k.consumer = c
	return c, nil
}

// readMessage polls once. It returns ErrBufferClosed when the consumer has been closed.
func (k *Kafka) readMessage() (*kafka.Message, error) {
	k.consMu.RLock()
	defer k.consMu.RUnlock()
	if k.consumer == nil {
		return nil, ErrBufferClosed
	}
	return k.consumer.ReadMessage(k.opts.PollTimeout)
}

// Put produces the batch and waits for the delivery report.
func (k *Kafka) Put(ctx context.Context, b *certlib.Batch) error {
	select {
	case <-k.done:
		return ErrBufferClosed
	default:
	}
	p, err := k.getProducer()
	if err != nil {
		return err
	}
	value, err := json.Marshal(b)
	if err != nil {
		return fmt.Errorf("encode batch %d: %w", b.Start, err)
	}

	delivery := make(chan kafka.Event, 1)
	err = p.Produce(&kafka.Message{
		TopicPartition: kafka.TopicPartition{Topic: &k.opts.Topic, Partition: kafka.PartitionAny},
		Key:            BatchKey(b),
		Value:          value,
	}, delivery)
	if err != nil {
		return fmt.Errorf("produce batch %d: %w", b.Start, err)
	}

	select {
	case e := <-delivery:
		m, ok := e.(*kafka.Message)
		if !ok {
			return fmt.Errorf("unexpected delivery event %v", e)
		}
		if m.TopicPartition.Error != nil {
			return fmt.Errorf("deliver batch %d: %w", b.Start, m.TopicPartition.Error)
		}
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Get reads the next batch. Messages that do not decode are logged and skipped.
func (k *Kafka) Get(ctx context.Context) (*certlib.Batch, error) {
	if _, err := k.getConsumer(); err != nil {
		return nil, err
	}
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		select {
		case <-k.done:
			return nil, ErrBufferClosed
		default:
		}

		msg, err := k.readMessage()
		if err != nil {
			if errors.Is(err, ErrBufferClosed) {
				return nil, err
			}
			var kerr kafka.Error
			if errors.As(err, &kerr) && kerr.Code() == kafka.ErrTimedOut {
				continue
			}
			if errors.As(err, &kerr) && !kerr.IsFatal() {
				log.Printf("Kafka read error on %s: %v", k.opts.Topic, err)
				continue
			}
			return nil, fmt.Errorf("kafka read %s: %w", k.opts.Topic, err)
		}

		var b certlib.Batch
		if err := json.Unmarshal(msg.Value, &b); err != nil {
			log.Printf("Skipping undecodable message at %v: %v", msg.TopicPartition, err)
			continue
		}
		return &b, nil
	}
}

// Len returns the consumer group lag on the topic, or the topic depth when nothing has been
// consumed yet. It returns 0 when Kafka cannot be queried.
func (k *Kafka) Len() int {
	k.consMu.RLock()
	defer k.consMu.RUnlock()
	if k.consumer == nil {
		return 0
	}
	lag, err := consumerLag(k.consumer, k.opts.Topic, 1000)
	if err != nil {
		return 0
	}
	return int(lag)
}

// Close flushes pending deliveries and closes the producer and consumer.
func (k *Kafka) Close() error {
	var errs []error
	k.closeOnce.Do(func() {
		close(k.done)

		k.prodMu.Lock()
		if k.producer != nil {
			if left := k.producer.Flush(15 * 1000); left > 0 {
				errs = append(errs, fmt.Errorf("%d kafka messages not delivered", left))
			}
			k.producer.Close()
			k.producer = nil
		}
		k.prodMu.Unlock()

		k.consMu.Lock()
		if k.consumer != nil {
			if err := k.consumer.Close(); err != nil {
				errs = append(errs, err)
			}
			k.consumer = nil
		}
		k.consMu.Unlock()
	})
	return errors.Join(errs...)
}
