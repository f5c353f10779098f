// Package director coordinates the avatar: it turns bus commands into
// session requests and engine transitions, and publishes the resulting
// events for observers.
package director

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/nanlingyin/SoulLink-Live2D/internal/bus"
	"github.com/nanlingyin/SoulLink-Live2D/internal/config"
	"github.com/nanlingyin/SoulLink-Live2D/internal/history"
	"github.com/nanlingyin/SoulLink-Live2D/internal/normalize"
	"github.com/nanlingyin/SoulLink-Live2D/internal/param"
	"github.com/nanlingyin/SoulLink-Live2D/internal/preset"
	"github.com/nanlingyin/SoulLink-Live2D/internal/protocol"
	"github.com/nanlingyin/SoulLink-Live2D/internal/puppet"
	"github.com/nanlingyin/SoulLink-Live2D/internal/session"
)

// All director-driven transitions share one animation slot so a new
// command always supersedes whatever is still in flight, matching the
// renderer's single expression state.
const targetAvatar = "avatar"

const maxHistoryTurns = 6

type Service struct {
	cfg     config.Config
	bus     *bus.Client
	sess    *session.Session
	engine  *puppet.Engine
	store   *param.Store
	presets *preset.Catalog
	hist    *history.Store
	logger  *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	subs   []*nats.Subscription

	mu    sync.Mutex
	model string
	turns []protocol.ChatTurn
}

func NewService(parent context.Context, cfg config.Config, busClient *bus.Client, sess *session.Session, engine *puppet.Engine, store *param.Store, presets *preset.Catalog, hist *history.Store, logger *slog.Logger) *Service {
	ctx, cancel := context.WithCancel(parent)
	return &Service{
		cfg:     cfg,
		bus:     busClient,
		sess:    sess,
		engine:  engine,
		store:   store,
		presets: presets,
		hist:    hist,
		logger:  logger.With(slog.String("component", "director")),
		ctx:     ctx,
		cancel:  cancel,
	}
}

func (s *Service) Start() error {
	if err := s.subscribeCommands(); err != nil {
		return err
	}

	if s.cfg.Animation.PublishFrames {
		s.engine.SetFrameFunc(func(target string, values map[string]float64) {
			s.publish(protocol.SubjectEventFrame, protocol.FrameEvent{
				Target:    target,
				Values:    values,
				Timestamp: time.Now().UTC(),
			})
		})
	}

	s.wg.Add(2)
	go s.consumePush()
	go s.consumeStates()
	return nil
}

func (s *Service) subscribeCommands() error {
	add := func(sub *nats.Subscription, err error) error {
		if err != nil {
			return err
		}
		s.subs = append(s.subs, sub)
		return nil
	}

	if err := add(bus.SubscribeJSON(s.bus, protocol.SubjectCmdChat, func(cmd protocol.ChatCommand) {
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.handleChat(cmd)
		}()
	})); err != nil {
		return err
	}
	if err := add(bus.SubscribeJSON(s.bus, protocol.SubjectCmdExpression, s.handleExpression)); err != nil {
		return err
	}
	if err := add(bus.SubscribeJSON(s.bus, protocol.SubjectCmdPreset, s.handlePreset)); err != nil {
		return err
	}
	if err := add(bus.SubscribeJSON(s.bus, protocol.SubjectCmdParam, s.handleParam)); err != nil {
		return err
	}
	if err := add(bus.SubscribeJSON(s.bus, protocol.SubjectCmdReset, s.handleReset)); err != nil {
		return err
	}
	if err := add(bus.RespondJSON(s.bus, protocol.SubjectCmdStatus, s.handleStatus)); err != nil {
		return err
	}
	if err := add(bus.SubscribeJSON(s.bus, protocol.SubjectModelParameters, s.handleModelParameters)); err != nil {
		return err
	}

	if s.cfg.Speech.Enabled {
		if err := add(s.bus.Conn().Subscribe(protocol.SubjectSpeechStarted, func(*nats.Msg) {
			s.engine.HoldReverts()
		})); err != nil {
			return err
		}
		if err := add(s.bus.Conn().Subscribe(protocol.SubjectSpeechFinished, func(*nats.Msg) {
			s.engine.ReleaseReverts()
			if s.cfg.Speech.RevertOnFinish {
				d := time.Duration(s.cfg.Speech.RevertDuration) * time.Millisecond
				if _, err := s.engine.Revert(targetAvatar, d); err != nil && !errors.Is(err, puppet.ErrNoChannels) {
					s.logger.Warn("revert after speech failed", slogError(err))
				}
			}
		})); err != nil {
			return err
		}
	}
	return nil
}

func (s *Service) Close() {
	s.cancel()
	for _, sub := range s.subs {
		_ = sub.Drain()
	}
	s.wg.Wait()
}

func (s *Service) Healthy() bool {
	return len(s.subs) > 0
}

// handleChat forwards a conversational turn to the service and animates
// the expression that comes back, either as structured parameters or
// extracted from the reply text.
func (s *Service) handleChat(cmd protocol.ChatCommand) {
	if cmd.Message == "" {
		return
	}
	autoReset := true
	if cmd.AutoReset != nil {
		autoReset = *cmd.AutoReset
	}

	req := protocol.ChatRequest{
		Type:      protocol.TypeChatWithReply,
		Message:   cmd.Message,
		Context:   cmd.Context,
		History:   s.historySnapshot(),
		AutoReset: autoReset,
	}

	resp, err := s.sess.Request(s.ctx, protocol.TypeChatWithReply, req)
	if err != nil {
		s.logger.Warn("chat request failed", slogError(err))
		s.publish(protocol.SubjectEventTranscript, protocol.TranscriptEvent{
			Message:   cmd.Message,
			Error:     err.Error(),
			Timestamp: time.Now().UTC(),
		})
		return
	}

	s.recordTurn(cmd.Message, resp.Reply)
	s.publish(protocol.SubjectEventTranscript, protocol.TranscriptEvent{
		Message:   cmd.Message,
		Reply:     resp.Reply,
		Timestamp: time.Now().UTC(),
	})
	s.append(history.Entry{
		Kind:   history.KindTranscript,
		Label:  cmd.Message,
		Detail: resp.Reply,
	})

	expr, ok := s.chatExpression(resp)
	if !ok {
		return
	}
	expr.AutoReset = autoReset
	if resp.AutoReset != nil {
		expr.AutoReset = *resp.AutoReset
	}
	s.apply(expr)
}

// chatExpression pulls an expression out of a chat response: structured
// parameters win, otherwise the reply text is scanned for an embedded
// payload.
func (s *Service) chatExpression(resp protocol.Inbound) (puppet.Expression, bool) {
	table := s.engine.Table()
	if len(resp.Parameters) > 0 {
		values := normalize.SanitizeValues(resp.Parameters, table, s.logger)
		if len(values) == 0 {
			return puppet.Expression{}, false
		}
		label := resp.Label
		if label == "" {
			label = normalize.DefaultLabel
		}
		return puppet.Expression{
			Label:      label,
			Parameters: values,
			Duration:   s.inboundDuration(resp.Duration),
			Easing:     s.cfg.Animation.DefaultEasing,
		}, true
	}
	if resp.Reply == "" {
		return puppet.Expression{}, false
	}
	expr, err := normalize.Normalize(resp.Reply, table, s.logger)
	if err != nil {
		if !errors.Is(err, normalize.ErrUnparsable) {
			s.logger.Warn("reply normalization failed", slogError(err))
		}
		return puppet.Expression{}, false
	}
	return expr, true
}

func (s *Service) handleExpression(cmd protocol.ExpressionCommand) {
	values := normalize.SanitizeValues(cmd.Parameters, s.engine.Table(), s.logger)
	if len(values) == 0 {
		s.logger.Warn("expression command references no declared channels")
		return
	}
	s.apply(puppet.Expression{
		Label:      "manual expression",
		Parameters: values,
		Duration:   s.commandDuration(cmd.Duration),
		Easing:     cmd.Easing,
		AutoReset:  cmd.AutoReset,
	})
}

func (s *Service) handlePreset(cmd protocol.PresetCommand) {
	expr, ok := s.presets.Expression(cmd.Name, s.engine.Table(), s.commandDuration(cmd.Duration))
	if !ok {
		s.logger.Warn("unknown preset", slog.String("name", cmd.Name))
		return
	}
	if len(expr.Parameters) == 0 {
		s.logger.Warn("preset matches no declared channels", slog.String("name", cmd.Name))
		return
	}
	s.apply(expr)
}

func (s *Service) handleParam(cmd protocol.ParamCommand) {
	s.apply(puppet.Expression{
		Label:      fmt.Sprintf("set %s", cmd.ID),
		Parameters: map[string]float64{cmd.ID: cmd.Value},
		Duration:   s.commandDuration(cmd.Duration),
	})
}

func (s *Service) handleReset(cmd protocol.ResetCommand) {
	d := s.commandDuration(cmd.Duration)
	if _, err := s.engine.Revert(targetAvatar, d); err != nil {
		s.logger.Warn("reset failed", slogError(err))
		return
	}
	// Tell the service so its renderer resets too.
	if err := s.sess.Send(protocol.TypeReset, protocol.ResetRequest{
		Type:     protocol.TypeReset,
		Duration: int(d / time.Millisecond),
	}); err != nil && !errors.Is(err, session.ErrNotConnected) {
		s.logger.Warn("failed to forward reset", slogError(err))
	}
	s.publishExpression(puppet.Expression{Label: "reset", Duration: d})
	s.append(history.Entry{Kind: history.KindExpression, Label: "reset"})
}

func (s *Service) handleStatus(struct{}) protocol.StatusReply {
	s.mu.Lock()
	model := s.model
	s.mu.Unlock()
	return protocol.StatusReply{
		SessionState: s.sess.State().String(),
		Model:        model,
		Channels:     s.engine.Table().Len(),
		Values:       s.store.Snapshot(),
		Presets:      s.presets.Names(),
	}
}

// handleModelParameters swaps the declared-channel table when the
// asset-loading collaborator reports a (re)load, reseeds the store, and
// forwards the new table to the service.
func (s *Service) handleModelParameters(msg protocol.ModelParameters) {
	table, err := param.NewTable(msg.Channels)
	if err != nil {
		s.logger.Error("rejecting invalid channel table",
			slog.String("model", msg.Model), slogError(err))
		return
	}
	s.engine.ReplaceTable(table)
	s.store.Reset(table)
	s.mu.Lock()
	s.model = msg.Model
	s.mu.Unlock()
	s.logger.Info("channel table replaced",
		slog.String("model", msg.Model),
		slog.Int("channels", table.Len()))

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		req := protocol.UpdateParameters{
			Type:       protocol.TypeUpdateParameters,
			Parameters: table.Channels(),
		}
		resp, err := s.sess.Request(s.ctx, protocol.TypeUpdateParameters, req)
		if err != nil {
			s.logger.Warn("failed to sync channel table upstream", slogError(err))
			return
		}
		s.logger.Info("channel table synced upstream", slog.Int("count", resp.Count))
	}()
}

// consumePush animates expressions and resets pushed by the service
// outside any request.
func (s *Service) consumePush() {
	defer s.wg.Done()
	for {
		select {
		case <-s.ctx.Done():
			return
		case msg := <-s.sess.Push():
			s.handlePush(msg)
		}
	}
}

func (s *Service) handlePush(msg protocol.Inbound) {
	switch msg.Type {
	case protocol.TypeExpression:
		values := normalize.SanitizeValues(msg.Parameters, s.engine.Table(), s.logger)
		if len(values) == 0 {
			return
		}
		label := msg.Label
		if label == "" {
			label = normalize.DefaultLabel
		}
		autoReset := true
		if msg.AutoReset != nil {
			autoReset = *msg.AutoReset
		}
		s.apply(puppet.Expression{
			Label:      label,
			Parameters: values,
			Duration:   s.inboundDuration(msg.Duration),
			Easing:     s.cfg.Animation.DefaultEasing,
			AutoReset:  autoReset,
		})
	case protocol.TypeReset:
		if _, err := s.engine.Revert(targetAvatar, s.inboundDuration(msg.Duration)); err != nil && !errors.Is(err, puppet.ErrNoChannels) {
			s.logger.Warn("pushed reset failed", slogError(err))
		}
	case protocol.TypeLoadModel:
		if msg.Model == nil {
			return
		}
		s.mu.Lock()
		s.model = msg.Model.Name
		s.mu.Unlock()
		s.publish(protocol.SubjectEventModel, protocol.ModelEvent{
			Model:     *msg.Model,
			Timestamp: time.Now().UTC(),
		})
		s.append(history.Entry{Kind: history.KindSession, Label: "model loaded", Detail: msg.Model.Name})
	case protocol.TypeModelList:
		s.logger.Info("service reported available models",
			slog.Int("count", len(msg.Models)),
			slog.String("current", msg.Current))
	default:
		s.logger.Info("ignoring pushed message", slog.String("type", msg.Type))
	}
}

func (s *Service) consumeStates() {
	defer s.wg.Done()
	for {
		select {
		case <-s.ctx.Done():
			return
		case st := <-s.sess.States():
			s.publish(protocol.SubjectEventSession, protocol.SessionEvent{
				State:     st.String(),
				Attempt:   s.sess.Attempts(),
				Timestamp: time.Now().UTC(),
			})
			s.append(history.Entry{Kind: history.KindSession, Label: st.String()})
		}
	}
}

// apply runs one expression through the engine and reports it.
func (s *Service) apply(expr puppet.Expression) {
	if _, err := s.engine.Apply(targetAvatar, expr); err != nil {
		s.logger.Warn("expression rejected",
			slog.String("label", expr.Label), slogError(err))
		return
	}
	s.publishExpression(expr)
	s.append(history.Entry{
		Kind:   history.KindExpression,
		Label:  expr.Label,
		Detail: fmt.Sprintf("%d channels over %s", len(expr.Parameters), expr.Duration),
	})
}

func (s *Service) publishExpression(expr puppet.Expression) {
	s.publish(protocol.SubjectEventExpression, protocol.ExpressionEvent{
		Target:     targetAvatar,
		Label:      expr.Label,
		Parameters: expr.Parameters,
		DurationMS: expr.Duration.Milliseconds(),
		AutoReset:  expr.AutoReset,
		Timestamp:  time.Now().UTC(),
	})
}

func (s *Service) publish(subject string, v any) {
	if err := s.bus.PublishJSON(subject, v); err != nil {
		s.logger.Warn("publish failed", slog.String("subject", subject), slogError(err))
	}
}

func (s *Service) append(entry history.Entry) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := s.hist.Append(ctx, entry); err != nil {
		s.logger.Warn("history append failed", slogError(err))
	}
}

func (s *Service) historySnapshot() []protocol.ChatTurn {
	s.mu.Lock()
	defer s.mu.Unlock()
	turns := make([]protocol.ChatTurn, len(s.turns))
	copy(turns, s.turns)
	return turns
}

func (s *Service) recordTurn(message, reply string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.turns = append(s.turns,
		protocol.ChatTurn{Role: "user", Content: message},
		protocol.ChatTurn{Role: "assistant", Content: reply})
	if excess := len(s.turns) - maxHistoryTurns*2; excess > 0 {
		s.turns = s.turns[excess:]
	}
}

// commandDuration interprets a bus command's millisecond duration: zero
// and negative mean "use the configured default".
func (s *Service) commandDuration(ms int) time.Duration {
	if ms <= 0 {
		return time.Duration(s.cfg.Animation.DefaultDuration) * time.Millisecond
	}
	return time.Duration(ms) * time.Millisecond
}

// inboundDuration interprets a duration from the service: absent means
// default, an explicit zero means an immediate write.
func (s *Service) inboundDuration(ms *float64) time.Duration {
	if ms == nil {
		return time.Duration(s.cfg.Animation.DefaultDuration) * time.Millisecond
	}
	return time.Duration(*ms) * time.Millisecond
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
