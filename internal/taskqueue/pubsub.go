package taskqueue

import (
	"fmt"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill-kafka/v3/pkg/kafka"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"
)

const (
	BackendGoChannel = "gochannel"
	BackendKafka     = "kafka"
)

// NewPubSub は設定に応じた搬送路を返す。
// gochannelは単一プロセス用（購読前のpublishは捨てられる）
func NewPubSub(backend string, brokers []string, consumerGroup string, logger watermill.LoggerAdapter) (message.Publisher, message.Subscriber, error) {
	switch backend {
	case "", BackendGoChannel:
		ps := gochannel.NewGoChannel(gochannel.Config{OutputChannelBuffer: 256}, logger)
		return ps, ps, nil

	case BackendKafka:
		pub, err := kafka.NewPublisher(kafka.PublisherConfig{
			Brokers:   brokers,
			Marshaler: kafka.DefaultMarshaler{},
		}, logger)
		if err != nil {
			return nil, nil, fmt.Errorf("kafka publisher: %w", err)
		}
		sub, err := kafka.NewSubscriber(kafka.SubscriberConfig{
			Brokers:       brokers,
			Unmarshaler:   kafka.DefaultMarshaler{},
			ConsumerGroup: consumerGroup,
		}, logger)
		if err != nil {
			_ = pub.Close()
			return nil, nil, fmt.Errorf("kafka subscriber: %w", err)
		}
		return pub, sub, nil

	default:
		return nil, nil, fmt.Errorf("unknown queue backend %q", backend)
	}
}
