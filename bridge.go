// bridge.go: inter-module message bridge
//
// Copyright (c) 2025 AGILira - A. Giordano
// Series: an AGILira library
// SPDX-License-Identifier: MPL-2.0

package hotmod

import (
	"context"
	"slices"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/agilira/go-timecache"
)

// MessageType tags how a message is routed.
type MessageType string

const (
	MessageBroadcast MessageType = "BROADCAST"
	MessageDirect    MessageType = "DIRECT"
	MessageRequest   MessageType = "REQUEST"
	MessageResponse  MessageType = "RESPONSE"
	MessageEvent     MessageType = "EVENT"
)

// IsValid reports whether t is a known message type.
func (t MessageType) IsValid() bool {
	switch t {
	case MessageBroadcast, MessageDirect, MessageRequest, MessageResponse, MessageEvent:
		return true
	}
	return false
}

// HostSenderID is the sender id used by the host application. The engine's
// delivery policy always admits it.
const HostSenderID = "host"

const (
	directChannelPrefix   = "direct:"
	responseChannelPrefix = "response:"
)

// DirectChannel returns the implicit direct channel of a module.
func DirectChannel(moduleID string) string { return directChannelPrefix + moduleID }

// ResponseChannel returns the private response channel of a request.
func ResponseChannel(requestID string) string { return responseChannelPrefix + requestID }

// Message is a unit of inter-module communication.
type Message struct {
	ID        string        `json:"id"`
	From      string        `json:"from"`
	To        string        `json:"to,omitempty"`
	Channel   string        `json:"channel"`
	Type      MessageType   `json:"type"`
	Payload   any           `json:"payload,omitempty"`
	TTL       time.Duration `json:"ttl,omitempty"`
	Priority  int           `json:"priority,omitempty"`
	Timestamp time.Time     `json:"timestamp"`

	// RequestID is set on requests and on their response.
	RequestID string `json:"request_id,omitempty"`

	// Error carries the responder's error on a RESPONSE.
	Error string `json:"error,omitempty"`
}

// Expired reports whether msg has outlived its TTL at now.
func (m Message) Expired(now time.Time) bool {
	return m.TTL > 0 && now.Sub(m.Timestamp) > m.TTL
}

// MessageHandlerFunc receives messages from a subscription.
type MessageHandlerFunc func(ctx context.Context, msg Message) error

// Subscription binds a module to a channel.
type Subscription struct {
	ID        string
	ModuleID  string
	Channel   string
	CreatedAt time.Time

	handler  MessageHandlerFunc
	internal bool
}

// ChannelOptions configures a channel. Zero values take the bridge defaults.
type ChannelOptions struct {
	// QueueSize bounds messages waiting for a first subscriber.
	QueueSize int `json:"queue_size" yaml:"queue_size"`

	// HistorySize keeps the last N delivered messages. 0 disables history.
	HistorySize int `json:"history_size" yaml:"history_size"`

	// TTL applies to messages sent on this channel without their own TTL.
	TTL time.Duration `json:"ttl" yaml:"ttl"`
}

// SendOptions adjusts a single send.
type SendOptions struct {
	To       string
	TTL      time.Duration
	Priority int
}

// DeliveryPolicy decides whether a message from one module may reach another.
// Self-delivery never consults the policy.
type DeliveryPolicy interface {
	AllowDelivery(from, to string) bool
}

// DeliveryPolicyFunc adapts a function to DeliveryPolicy.
type DeliveryPolicyFunc func(from, to string) bool

// AllowDelivery implements DeliveryPolicy.
func (f DeliveryPolicyFunc) AllowDelivery(from, to string) bool { return f(from, to) }

// ChannelInfo describes a channel.
type ChannelInfo struct {
	Name        string   `json:"name"`
	Subscribers []string `json:"subscribers"`
	Queued      int      `json:"queued"`
	QueueSize   int      `json:"queue_size"`
	History     int      `json:"history"`
}

// BridgeStats is a snapshot of bridge counters.
type BridgeStats struct {
	MessagesSent      int64 `json:"messages_sent"`
	MessagesDelivered int64 `json:"messages_delivered"`
	MessagesDropped   int64 `json:"messages_dropped"`
	MessagesExpired   int64 `json:"messages_expired"`
	DeliveryFailures  int64 `json:"delivery_failures"`
	DeliveryDenied    int64 `json:"delivery_denied"`
	RequestTimeouts   int64 `json:"request_timeouts"`
	PendingRequests   int   `json:"pending_requests"`
	Channels          int   `json:"channels"`
	Subscriptions     int   `json:"subscriptions"`
}

type bridgeChannel struct {
	name    string
	opts    ChannelOptions
	subs    []*Subscription
	queue   *messageQueue
	history *messageQueue
	private bool

	// flushing is set while a backlog drains to the first subscriber. New
	// messages queue behind it.
	flushing bool
}

type requestOutcome struct {
	payload any
	err     error
}

type pendingRequest struct {
	id      string
	from    string
	channel string
	done    chan requestOutcome
	targets []string
}

// ModuleBridge routes messages between modules over named channels.
//
// Handlers run synchronously on the sender's goroutine, in subscription
// order, each isolated from the others' errors and panics. Messages sent to
// a channel nobody listens on wait in a bounded drop-oldest queue and are
// flushed, once and in order, to the first subscriber.
type ModuleBridge struct {
	config  BridgeConfig
	logger  Logger
	metrics MetricsCollector
	tracker *RequestTracker
	policy  DeliveryPolicy

	mu       sync.RWMutex
	channels map[string]*bridgeChannel
	pending  map[string]*pendingRequest

	closed atomic.Bool

	sent      atomic.Int64
	delivered atomic.Int64
	dropped   atomic.Int64
	expired   atomic.Int64
	failures  atomic.Int64
	denied    atomic.Int64
	timeouts  atomic.Int64
}

// BridgeOption configures a ModuleBridge.
type BridgeOption func(*ModuleBridge)

// WithDeliveryPolicy installs the delivery permission hook.
func WithDeliveryPolicy(policy DeliveryPolicy) BridgeOption {
	return func(b *ModuleBridge) { b.policy = policy }
}

// WithBridgeMetrics records bridge metrics on collector.
func WithBridgeMetrics(collector MetricsCollector) BridgeOption {
	return func(b *ModuleBridge) { b.metrics = collector }
}

// WithRequestTracker shares a request tracker with the hot-swap manager.
func WithRequestTracker(tracker *RequestTracker) BridgeOption {
	return func(b *ModuleBridge) { b.tracker = tracker }
}

// NewModuleBridge creates a bridge.
func NewModuleBridge(config BridgeConfig, logger Logger, opts ...BridgeOption) *ModuleBridge {
	if logger == nil {
		logger = DefaultLogger()
	}
	defaults := DefaultBridgeConfig()
	if config.QueueSize <= 0 {
		config.QueueSize = defaults.QueueSize
	}
	if config.DefaultRequestTimeout <= 0 {
		config.DefaultRequestTimeout = defaults.DefaultRequestTimeout
	}

	b := &ModuleBridge{
		config:   config,
		logger:   logger,
		channels: make(map[string]*bridgeChannel),
		pending:  make(map[string]*pendingRequest),
	}
	for _, opt := range opts {
		opt(b)
	}
	if b.tracker == nil {
		b.tracker = NewRequestTracker(b.metrics)
	}
	return b
}

// Tracker returns the request tracker fed by message handlers and requests.
func (b *ModuleBridge) Tracker() *RequestTracker { return b.tracker }

// CreateChannel declares a channel. Declaring an existing channel is a no-op.
func (b *ModuleBridge) CreateChannel(name string, opts ChannelOptions) error {
	if strings.TrimSpace(name) == "" {
		return NewInvalidMessageError("channel name is required")
	}
	if b.closed.Load() {
		return NewBridgeClosedError()
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.channelLocked(name, &opts)
	return nil
}

// channelLocked returns the channel, creating it with opts (or defaults).
func (b *ModuleBridge) channelLocked(name string, opts *ChannelOptions) *bridgeChannel {
	if ch, exists := b.channels[name]; exists {
		return ch
	}
	var o ChannelOptions
	if opts != nil {
		o = *opts
	}
	if o.QueueSize <= 0 {
		o.QueueSize = b.config.QueueSize
	}
	if o.HistorySize <= 0 {
		o.HistorySize = b.config.HistorySize
	}
	if o.TTL <= 0 {
		o.TTL = b.config.DefaultTTL
	}
	ch := &bridgeChannel{
		name:  name,
		opts:  o,
		queue: newMessageQueue(o.QueueSize),
	}
	if o.HistorySize > 0 {
		ch.history = newMessageQueue(o.HistorySize)
	}
	b.channels[name] = ch
	return ch
}

// HasChannel reports whether name is registered.
func (b *ModuleBridge) HasChannel(name string) bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	_, exists := b.channels[name]
	return exists
}

// DeleteChannel removes a channel with its subscriptions and queue.
func (b *ModuleBridge) DeleteChannel(name string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, exists := b.channels[name]; !exists {
		return false
	}
	delete(b.channels, name)
	return true
}

// Subscribe registers handler for moduleID on channel, creating the channel
// if needed. If messages were queued before anyone subscribed, they are
// delivered to this subscriber before Subscribe returns.
func (b *ModuleBridge) Subscribe(ctx context.Context, moduleID, channel string, handler MessageHandlerFunc) (*Subscription, error) {
	return b.subscribe(ctx, moduleID, channel, handler, false)
}

func (b *ModuleBridge) subscribe(ctx context.Context, moduleID, channel string, handler MessageHandlerFunc, internal bool) (*Subscription, error) {
	if moduleID == "" || channel == "" {
		return nil, NewInvalidMessageError("module id and channel are required")
	}
	if handler == nil {
		return nil, NewInvalidMessageError("handler is required")
	}
	if b.closed.Load() {
		return nil, NewBridgeClosedError()
	}
	if strings.HasPrefix(channel, directChannelPrefix) && channel != DirectChannel(moduleID) {
		return nil, NewDeliveryDeniedError(moduleID, channel)
	}

	b.mu.Lock()
	ch := b.channelLocked(channel, nil)
	if ch.private && !internal {
		b.mu.Unlock()
		return nil, NewDeliveryDeniedError(moduleID, channel)
	}
	for _, existing := range ch.subs {
		if existing.ModuleID == moduleID {
			b.mu.Unlock()
			return nil, NewAlreadySubscribedError(moduleID, channel)
		}
	}
	sub := &Subscription{
		ID:        generateID(),
		ModuleID:  moduleID,
		Channel:   channel,
		CreatedAt: timecache.CachedTime(),
		handler:   handler,
		internal:  internal,
	}
	ch.subs = append(ch.subs, sub)

	var backlog []Message
	if len(ch.subs) == 1 && !ch.flushing && ch.queue.len() > 0 {
		backlog = ch.queue.drain()
		ch.flushing = true
	}
	b.mu.Unlock()

	b.logger.Debug("Module subscribed", "module_id", moduleID, "channel", channel, "backlog", len(backlog))

	if len(backlog) > 0 {
		b.flushBacklog(ctx, ch, sub, backlog)
	}
	return sub, nil
}

// flushBacklog delivers queued messages to the first subscriber of ch, then
// whatever was queued while it ran to every subscriber, until the queue is
// empty and the channel goes back to direct delivery.
func (b *ModuleBridge) flushBacklog(ctx context.Context, ch *bridgeChannel, first *Subscription, backlog []Message) {
	targets := []*Subscription{first}
	for len(backlog) > 0 {
		now := timecache.CachedTime()
		for _, msg := range backlog {
			if msg.Expired(now) {
				b.expired.Add(1)
				continue
			}
			for _, sub := range targets {
				b.deliverTo(ctx, ch, sub, msg)
			}
		}

		b.mu.Lock()
		backlog = nil
		if len(ch.subs) > 0 && ch.queue.len() > 0 {
			backlog = ch.queue.drain()
			targets = slices.Clone(ch.subs)
		} else {
			ch.flushing = false
		}
		b.mu.Unlock()
	}
}

// Unsubscribe removes moduleID from channel.
func (b *ModuleBridge) Unsubscribe(moduleID, channel string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	ch, exists := b.channels[channel]
	if !exists {
		return false
	}
	return ch.removeSubscriber(moduleID)
}

func (ch *bridgeChannel) removeSubscriber(moduleID string) bool {
	for i, sub := range ch.subs {
		if sub.ModuleID == moduleID {
			ch.subs = append(ch.subs[:i:i], ch.subs[i+1:]...)
			return true
		}
	}
	return false
}

// UnsubscribeAll removes every subscription held by moduleID and returns the
// channels it left, sorted. Messages queued on its direct channel are kept.
func (b *ModuleBridge) UnsubscribeAll(moduleID string) []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	var left []string
	for name, ch := range b.channels {
		if ch.private {
			continue
		}
		if ch.removeSubscriber(moduleID) {
			left = append(left, name)
		}
	}
	sort.Strings(left)
	return left
}

// Subscriptions returns the channels moduleID is subscribed to, sorted.
// Private response channels are not reported.
func (b *ModuleBridge) Subscriptions(moduleID string) []string {
	b.mu.RLock()
	defer b.mu.RUnlock()
	var out []string
	for name, ch := range b.channels {
		if ch.private {
			continue
		}
		for _, sub := range ch.subs {
			if sub.ModuleID == moduleID {
				out = append(out, name)
				break
			}
		}
	}
	sort.Strings(out)
	return out
}

// SendMessage publishes payload on channel and returns the message id.
//
// BROADCAST, RESPONSE and EVENT reach every subscriber. DIRECT reaches only
// the subscriber named by opts.To; when it is not subscribed the message
// waits on its direct channel. Requests go through SendRequest.
func (b *ModuleBridge) SendMessage(ctx context.Context, from, channel string, payload any, msgType MessageType, opts SendOptions) (string, error) {
	if b.closed.Load() {
		return "", NewBridgeClosedError()
	}
	if channel == "" {
		return "", NewInvalidMessageError("channel is required")
	}
	if !msgType.IsValid() {
		return "", NewInvalidMessageError("unknown message type " + string(msgType))
	}
	if msgType == MessageRequest {
		return "", NewInvalidMessageError("requests must be sent with SendRequest")
	}
	if msgType == MessageDirect && opts.To == "" {
		return "", NewInvalidMessageError("direct messages need a recipient")
	}

	msg := Message{
		ID:        generateID(),
		From:      from,
		To:        opts.To,
		Channel:   channel,
		Type:      msgType,
		Payload:   payload,
		TTL:       opts.TTL,
		Priority:  opts.Priority,
		Timestamp: timecache.CachedTime(),
	}
	b.recordSent(msgType)

	if msgType == MessageDirect {
		b.routeDirect(ctx, msg)
	} else {
		b.publish(ctx, msg)
	}
	return msg.ID, nil
}

// SendDirectMessage sends payload to the direct channel of to.
func (b *ModuleBridge) SendDirectMessage(ctx context.Context, from, to string, payload any) (string, error) {
	if to == "" {
		return "", NewInvalidMessageError("direct messages need a recipient")
	}
	if from != to && from != HostSenderID && b.policy != nil && !b.policy.AllowDelivery(from, to) {
		b.denied.Add(1)
		return "", NewDeliveryDeniedError(from, to)
	}
	return b.SendMessage(ctx, from, DirectChannel(to), payload, MessageDirect, SendOptions{To: to})
}

func (b *ModuleBridge) recordSent(msgType MessageType) {
	b.sent.Add(1)
	if b.metrics != nil {
		b.metrics.IncrementCounter(MetricMessagesSent, map[string]string{"type": string(msgType)}, 1)
	}
}

// publish delivers msg to every subscriber of its channel, or queues it.
// Private channels are never created here: a response racing the teardown
// of its request is discarded.
func (b *ModuleBridge) publish(ctx context.Context, msg Message) []string {
	b.mu.Lock()
	ch, exists := b.channels[msg.Channel]
	if !exists {
		if strings.HasPrefix(msg.Channel, responseChannelPrefix) {
			b.mu.Unlock()
			return nil
		}
		ch = b.channelLocked(msg.Channel, nil)
	}
	if msg.TTL == 0 {
		msg.TTL = ch.opts.TTL
	}
	if len(ch.subs) == 0 || ch.flushing {
		b.enqueueLocked(ch, msg)
		b.mu.Unlock()
		return nil
	}
	subs := slices.Clone(ch.subs)
	b.mu.Unlock()

	reached := make([]string, 0, len(subs))
	for _, sub := range subs {
		if b.deliverTo(ctx, ch, sub, msg) {
			reached = append(reached, sub.ModuleID)
		}
	}
	return reached
}

// routeDirect delivers msg to the subscriber named by msg.To, queuing it on
// the recipient's direct channel when that subscriber is absent.
func (b *ModuleBridge) routeDirect(ctx context.Context, msg Message) {
	b.mu.Lock()
	ch := b.channelLocked(msg.Channel, nil)
	var target *Subscription
	for _, sub := range ch.subs {
		if sub.ModuleID == msg.To {
			target = sub
			break
		}
	}
	if target == nil {
		direct := b.channelLocked(DirectChannel(msg.To), nil)
		if msg.TTL == 0 {
			msg.TTL = direct.opts.TTL
		}
		if len(direct.subs) == 0 || direct.flushing {
			b.enqueueLocked(direct, msg)
			b.mu.Unlock()
			return
		}
		ch, target = direct, direct.subs[0]
	}
	b.mu.Unlock()

	b.deliverTo(ctx, ch, target, msg)
}

func (b *ModuleBridge) enqueueLocked(ch *bridgeChannel, msg Message) {
	evicted, dropped := ch.queue.push(msg)
	if !dropped {
		return
	}
	b.dropped.Add(1)
	if b.metrics != nil {
		b.metrics.IncrementCounter(MetricMessagesDropped, map[string]string{"channel": ch.name}, 1)
	}
	b.logger.Debug("Queue full, dropped oldest message",
		"channel", ch.name,
		"message_id", evicted.ID)
}

// deliverTo runs one handler and reports whether the message reached it.
func (b *ModuleBridge) deliverTo(ctx context.Context, ch *bridgeChannel, sub *Subscription, msg Message) bool {
	if !sub.internal && msg.From != sub.ModuleID && msg.From != HostSenderID &&
		b.policy != nil && !b.policy.AllowDelivery(msg.From, sub.ModuleID) {
		b.denied.Add(1)
		b.logger.Debug("Delivery denied",
			"from", msg.From,
			"to", sub.ModuleID,
			"channel", msg.Channel)
		return false
	}

	if err := b.invoke(ctx, sub, msg); err != nil {
		b.failures.Add(1)
		b.logger.Warn("Message handler failed",
			"module_id", sub.ModuleID,
			"channel", msg.Channel,
			"message_id", msg.ID,
			"error", err)
		return false
	}

	b.delivered.Add(1)
	if ch.history != nil {
		b.mu.Lock()
		ch.history.push(msg)
		b.mu.Unlock()
	}
	return true
}

func (b *ModuleBridge) invoke(ctx context.Context, sub *Subscription, msg Message) (err error) {
	if !sub.internal {
		b.tracker.StartRequest(sub.ModuleID)
		defer b.tracker.EndRequest(sub.ModuleID)
	}
	defer recoverInto(b.logger, "message handler", &err)
	return sub.handler(ctx, msg)
}

// SendRequest broadcasts a REQUEST on channel and waits for the first
// response, the timeout (DefaultRequestTimeout when zero) or ctx. The
// private response channel is removed whichever comes first.
func (b *ModuleBridge) SendRequest(ctx context.Context, from, channel string, payload any, timeout time.Duration) (any, error) {
	if b.closed.Load() {
		return nil, NewBridgeClosedError()
	}
	if from == "" || channel == "" {
		return nil, NewInvalidMessageError("sender and channel are required")
	}
	if timeout <= 0 {
		timeout = b.config.DefaultRequestTimeout
	}

	requestID := generateID()
	responseChannel := ResponseChannel(requestID)
	req := &pendingRequest{
		id:      requestID,
		from:    from,
		channel: responseChannel,
		done:    make(chan requestOutcome, 1),
	}

	b.mu.Lock()
	private := b.channelLocked(responseChannel, &ChannelOptions{QueueSize: 1})
	private.private = true
	b.pending[requestID] = req
	b.mu.Unlock()

	_, err := b.subscribe(ctx, from, responseChannel, func(_ context.Context, msg Message) error {
		outcome := requestOutcome{payload: msg.Payload}
		if msg.Error != "" {
			outcome.err = NewRequestFailedError(requestID, remoteError(msg.Error))
		}
		select {
		case req.done <- outcome:
		default:
		}
		return nil
	}, true)
	if err != nil {
		b.finishRequest(requestID)
		return nil, err
	}

	msg := Message{
		ID:        generateID(),
		From:      from,
		Channel:   channel,
		Type:      MessageRequest,
		Payload:   payload,
		Timestamp: timecache.CachedTime(),
		RequestID: requestID,
	}
	b.recordSent(MessageRequest)

	b.mu.Lock()
	ch := b.channelLocked(channel, nil)
	targets := make([]string, 0, len(ch.subs))
	for _, sub := range ch.subs {
		if sub.ModuleID != from {
			targets = append(targets, sub.ModuleID)
		}
	}
	b.mu.Unlock()

	// Count the request against its responders until it settles, so a
	// hot-swap drains modules that still owe an answer.
	for _, target := range targets {
		b.tracker.StartRequest(target)
	}
	req.targets = targets
	defer b.finishRequest(requestID)

	b.publish(ctx, msg)

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case outcome := <-req.done:
		return outcome.payload, outcome.err
	case <-timer.C:
		b.timeouts.Add(1)
		if b.metrics != nil {
			b.metrics.IncrementCounter(MetricRequestTimeouts, map[string]string{"channel": channel}, 1)
		}
		b.logger.Warn("Request timed out",
			"request_id", requestID,
			"from", from,
			"channel", channel,
			"timeout", timeout)
		return nil, NewRequestTimeoutError(requestID, channel, timeout.String())
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// finishRequest tears down the pending entry and its private channel.
func (b *ModuleBridge) finishRequest(requestID string) {
	b.mu.Lock()
	req, exists := b.pending[requestID]
	if exists {
		delete(b.pending, requestID)
		delete(b.channels, req.channel)
	}
	b.mu.Unlock()

	if exists {
		for _, target := range req.targets {
			b.tracker.EndRequest(target)
		}
	}
}

// SendResponse answers a pending request. A non-nil respErr fails the
// caller's SendRequest with a RequestFailed error.
func (b *ModuleBridge) SendResponse(ctx context.Context, from, requestID string, payload any, respErr error) error {
	if b.closed.Load() {
		return NewBridgeClosedError()
	}

	b.mu.RLock()
	req, exists := b.pending[requestID]
	b.mu.RUnlock()
	if !exists {
		return NewUnknownRequestError(requestID)
	}

	msg := Message{
		ID:        generateID(),
		From:      from,
		To:        req.from,
		Channel:   req.channel,
		Type:      MessageResponse,
		Payload:   payload,
		Timestamp: timecache.CachedTime(),
		RequestID: requestID,
	}
	if respErr != nil {
		msg.Error = respErr.Error()
	}
	b.recordSent(MessageResponse)
	b.publish(ctx, msg)
	return nil
}

// PendingRequests returns the number of requests awaiting a response.
func (b *ModuleBridge) PendingRequests() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.pending)
}

// History returns the delivered messages retained for channel, oldest first.
func (b *ModuleBridge) History(channel string) []Message {
	b.mu.RLock()
	defer b.mu.RUnlock()
	ch, exists := b.channels[channel]
	if !exists || ch.history == nil {
		return nil
	}
	return ch.history.snapshot()
}

// Channels describes every public channel, sorted by name.
func (b *ModuleBridge) Channels() []ChannelInfo {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make([]ChannelInfo, 0, len(b.channels))
	for name, ch := range b.channels {
		if ch.private {
			continue
		}
		info := ChannelInfo{
			Name:        name,
			Subscribers: make([]string, 0, len(ch.subs)),
			Queued:      ch.queue.len(),
			QueueSize:   ch.queue.capacity(),
		}
		for _, sub := range ch.subs {
			info.Subscribers = append(info.Subscribers, sub.ModuleID)
		}
		if ch.history != nil {
			info.History = ch.history.len()
		}
		out = append(out, info)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Stats returns a snapshot of the bridge counters.
func (b *ModuleBridge) Stats() BridgeStats {
	b.mu.RLock()
	channels, subs := 0, 0
	for _, ch := range b.channels {
		if ch.private {
			continue
		}
		channels++
		subs += len(ch.subs)
	}
	pending := len(b.pending)
	b.mu.RUnlock()

	return BridgeStats{
		MessagesSent:      b.sent.Load(),
		MessagesDelivered: b.delivered.Load(),
		MessagesDropped:   b.dropped.Load(),
		MessagesExpired:   b.expired.Load(),
		DeliveryFailures:  b.failures.Load(),
		DeliveryDenied:    b.denied.Load(),
		RequestTimeouts:   b.timeouts.Load(),
		PendingRequests:   pending,
		Channels:          channels,
		Subscriptions:     subs,
	}
}

// Close fails every pending request and drops all channels.
func (b *ModuleBridge) Close() error {
	if !b.closed.CompareAndSwap(false, true) {
		return nil
	}

	b.mu.Lock()
	pending := make([]*pendingRequest, 0, len(b.pending))
	for _, req := range b.pending {
		pending = append(pending, req)
	}
	b.channels = make(map[string]*bridgeChannel)
	b.mu.Unlock()

	for _, req := range pending {
		select {
		case req.done <- requestOutcome{err: NewBridgeClosedError()}:
		default:
		}
	}
	b.logger.Info("Module bridge closed", "pending_requests", len(pending))
	return nil
}

// remoteError carries a responder's error text back to the requester.
type remoteError string

func (e remoteError) Error() string { return string(e) }

// BridgeClient is a ModuleBridge bound to one module id.
type BridgeClient struct {
	bridge   *ModuleBridge
	moduleID string
}

// NewBridgeClient binds bridge to moduleID.
func NewBridgeClient(bridge *ModuleBridge, moduleID string) *BridgeClient {
	return &BridgeClient{bridge: bridge, moduleID: moduleID}
}

// ModuleID returns the bound module id.
func (c *BridgeClient) ModuleID() string { return c.moduleID }

func (c *BridgeClient) Subscribe(ctx context.Context, channel string, handler MessageHandlerFunc) (*Subscription, error) {
	return c.bridge.Subscribe(ctx, c.moduleID, channel, handler)
}

// SubscribeDirect subscribes to the module's own direct channel.
func (c *BridgeClient) SubscribeDirect(ctx context.Context, handler MessageHandlerFunc) (*Subscription, error) {
	return c.bridge.Subscribe(ctx, c.moduleID, DirectChannel(c.moduleID), handler)
}

func (c *BridgeClient) Unsubscribe(channel string) bool {
	return c.bridge.Unsubscribe(c.moduleID, channel)
}

func (c *BridgeClient) Send(ctx context.Context, channel string, payload any, msgType MessageType, opts SendOptions) (string, error) {
	return c.bridge.SendMessage(ctx, c.moduleID, channel, payload, msgType, opts)
}

func (c *BridgeClient) Broadcast(ctx context.Context, channel string, payload any) (string, error) {
	return c.bridge.SendMessage(ctx, c.moduleID, channel, payload, MessageBroadcast, SendOptions{})
}

func (c *BridgeClient) SendDirect(ctx context.Context, to string, payload any) (string, error) {
	return c.bridge.SendDirectMessage(ctx, c.moduleID, to, payload)
}

func (c *BridgeClient) Request(ctx context.Context, channel string, payload any, timeout time.Duration) (any, error) {
	return c.bridge.SendRequest(ctx, c.moduleID, channel, payload, timeout)
}

func (c *BridgeClient) Respond(ctx context.Context, requestID string, payload any, err error) error {
	return c.bridge.SendResponse(ctx, c.moduleID, requestID, payload, err)
}
