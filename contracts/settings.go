package contracts

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
)

// Supported values for ServiceBusSettings.Protocol
const (
	ProtocolAMQP   = "amqp"
	ProtocolAMQPS  = "amqps"
	ProtocolRedis  = "redis"
	ProtocolRediss = "rediss"
	ProtocolMemory = "memory"
)

// ErrInvalidSettings is returned by Validate when settings cannot describe a broker endpoint
var ErrInvalidSettings = errors.New("settings: invalid configuration")

// ServiceBusSettings describes a broker endpoint and the identity used to reach it.
//
// Values are created from external configuration and never mutated by the library.
type ServiceBusSettings struct {
	AppName    string // Logical publisher identity
	Address    string // Entity path (queue name) on the broker
	Key        string // Credential secret
	Namespace  string // Broker host, optionally with port
	PolicyName string // Authorization policy (user name)
	Protocol   string // Transport scheme
	Durable    uint32 // 0 = non-durable, >0 = durable
}

// PublisherSettings configures a publisher.
type PublisherSettings struct {
	ServiceBusSettings
}

// ReceiverSettings configures a receiver.
type ReceiverSettings struct {
	ServiceBusSettings
}

// IsDurable reports whether durable delivery was requested
func (s ServiceBusSettings) IsDurable() bool {
	return s.Durable > 0
}

// Scheme returns the protocol, defaulting to amqps
func (s ServiceBusSettings) Scheme() string {
	if s.Protocol == "" {
		return ProtocolAMQPS
	}
	return strings.ToLower(s.Protocol)
}

// Validate checks that the settings can describe a broker endpoint
func (s ServiceBusSettings) Validate() error {
	var problems []string

	if s.Namespace == "" {
		problems = append(problems, "namespace is required")
	}
	if s.Address == "" {
		problems = append(problems, "address is required")
	}

	switch s.Scheme() {
	case ProtocolAMQP, ProtocolAMQPS, ProtocolRedis, ProtocolRediss, ProtocolMemory:
	default:
		problems = append(problems, fmt.Sprintf("unsupported protocol %q", s.Protocol))
	}

	if (s.PolicyName == "") != (s.Key == "") {
		problems = append(problems, "policy name and key must be set together")
	}

	if len(problems) > 0 {
		return fmt.Errorf("%w: %s", ErrInvalidSettings, strings.Join(problems, "; "))
	}
	return nil
}

// ConnectionURL builds the broker URL from protocol, credentials and namespace
func (s ServiceBusSettings) ConnectionURL() string {
	u := url.URL{
		Scheme: s.Scheme(),
		Host:   s.Namespace,
		Path:   "/",
	}
	if s.PolicyName != "" {
		u.User = url.UserPassword(s.PolicyName, s.Key)
	}
	return u.String()
}

// String renders the settings with the key redacted
func (s ServiceBusSettings) String() string {
	key := ""
	if s.Key != "" {
		key = "***"
	}
	return fmt.Sprintf("{AppName:%s Address:%s Namespace:%s PolicyName:%s Key:%s Protocol:%s Durable:%d}",
		s.AppName, s.Address, s.Namespace, s.PolicyName, key, s.Scheme(), s.Durable)
}
