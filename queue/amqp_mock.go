package queue

import (
	"sync"

	"github.com/streadway/amqp"
)

// MockAMQPConnection is a mock implementation of AMQPConnection for testing.
type MockAMQPConnection struct {
	// MockChannel is the channel to return from Channel()
	MockChannel AMQPChannel
	// Errors to return from operations
	ChannelErr error
	CloseErr   error
	// Track function calls
	ChannelCalled bool
	CloseCalled   bool
}

// Channel returns the mock channel.
func (m *MockAMQPConnection) Channel() (AMQPChannel, error) {
	m.ChannelCalled = true
	if m.ChannelErr != nil {
		return nil, m.ChannelErr
	}
	return m.MockChannel, nil
}

// Close mocks closing the connection.
func (m *MockAMQPConnection) Close() error {
	m.CloseCalled = true
	return m.CloseErr
}

// MockAMQPChannel is a mock implementation of AMQPChannel for testing.
// Publish is safe for concurrent use; read the captured messages through
// PublishedCount when publishers run on other goroutines.
type MockAMQPChannel struct {
	mu sync.Mutex

	// Deliveries feeds Consume; tests push amqp.Delivery values into it
	Deliveries chan amqp.Delivery
	// PublishedMessages stores all published messages for verification
	PublishedMessages []amqp.Publishing
	// PublishedKeys stores routing keys for published messages
	PublishedKeys []string
	// InspectMessages is the message count QueueInspect reports
	InspectMessages int
	// Errors to return from operations
	QosErr          error
	QueueDeclareErr error
	PublishErr      error
	ConsumeErr      error
	InspectErr      error
	CloseErr        error
	// Track function calls
	QosCalled          bool
	QueueDeclareCalled bool
	PublishCalled      bool
	ConsumeCalled      bool
	CloseCalled        bool
	// Store last call parameters
	LastPrefetchCount int
	LastQueueName     string
	LastExchange      string
	LastKey           string
}

// Qos mocks setting the channel prefetch window.
func (m *MockAMQPChannel) Qos(prefetchCount, prefetchSize int, global bool) error {
	m.QosCalled = true
	m.LastPrefetchCount = prefetchCount
	return m.QosErr
}

// QueueDeclare mocks declaring a queue.
func (m *MockAMQPChannel) QueueDeclare(name string, durable, autoDelete, exclusive, noWait bool, args amqp.Table) (amqp.Queue, error) {
	m.QueueDeclareCalled = true
	m.LastQueueName = name
	if m.QueueDeclareErr != nil {
		return amqp.Queue{}, m.QueueDeclareErr
	}
	return amqp.Queue{Name: name}, nil
}

// Publish mocks publishing a message.
func (m *MockAMQPChannel) Publish(exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.PublishCalled = true
	m.LastExchange = exchange
	m.LastKey = key
	if m.PublishErr != nil {
		return m.PublishErr
	}
	m.PublishedMessages = append(m.PublishedMessages, msg)
	m.PublishedKeys = append(m.PublishedKeys, key)
	return nil
}

// PublishedCount returns how many messages have been published.
func (m *MockAMQPChannel) PublishedCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.PublishedMessages)
}

// Consume mocks starting a consumer, returning the Deliveries channel.
func (m *MockAMQPChannel) Consume(queue, consumer string, autoAck, exclusive, noLocal, noWait bool, args amqp.Table) (<-chan amqp.Delivery, error) {
	m.ConsumeCalled = true
	m.LastQueueName = queue
	if m.ConsumeErr != nil {
		return nil, m.ConsumeErr
	}
	return m.Deliveries, nil
}

// QueueInspect mocks retrieving queue information.
func (m *MockAMQPChannel) QueueInspect(name string) (amqp.Queue, error) {
	if m.InspectErr != nil {
		return amqp.Queue{}, m.InspectErr
	}
	return amqp.Queue{Name: name, Messages: m.InspectMessages}, nil
}

// Close mocks closing the channel.
func (m *MockAMQPChannel) Close() error {
	m.CloseCalled = true
	return m.CloseErr
}

// MockAMQPDialer is a mock implementation of AMQPDialer for testing.
type MockAMQPDialer struct {
	// MockConnection is the connection to return from Dial()
	MockConnection AMQPConnection
	// DialErr is the error to return from Dial
	DialErr error
	// Track function calls
	DialCalled bool
	LastURL    string
}

// Dial mocks dialing an AMQP connection.
func (m *MockAMQPDialer) Dial(url string) (AMQPConnection, error) {
	m.DialCalled = true
	m.LastURL = url
	if m.DialErr != nil {
		return nil, m.DialErr
	}
	return m.MockConnection, nil
}

// NewMockAMQPDialer creates a mock dialer wired to a working connection
// and channel.
func NewMockAMQPDialer() *MockAMQPDialer {
	mockChannel := &MockAMQPChannel{
		Deliveries:        make(chan amqp.Delivery, 16),
		PublishedMessages: make([]amqp.Publishing, 0),
		PublishedKeys:     make([]string, 0),
	}

	mockConn := &MockAMQPConnection{
		MockChannel: mockChannel,
	}

	return &MockAMQPDialer{
		MockConnection: mockConn,
	}
}

// NewMockAMQPDialerWithError creates a mock dialer that fails to dial.
func NewMockAMQPDialerWithError(err error) *MockAMQPDialer {
	return &MockAMQPDialer{
		DialErr: err,
	}
}

// GetMockChannel returns the mock channel behind the dialer, or nil when
// the dialer was not built by NewMockAMQPDialer.
func (m *MockAMQPDialer) GetMockChannel() *MockAMQPChannel {
	if m.MockConnection == nil {
		return nil
	}
	mockConn, ok := m.MockConnection.(*MockAMQPConnection)
	if !ok || mockConn.MockChannel == nil {
		return nil
	}
	ch, ok := mockConn.MockChannel.(*MockAMQPChannel)
	if !ok {
		return nil
	}
	return ch
}
