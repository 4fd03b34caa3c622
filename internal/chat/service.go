// Package chat implements the bot's behaviour: collecting channel messages,
// the chat commands, and poke replies.
package chat

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/tmc/langchaingo/llms"

	"github.com/siliconchat/internal/affection"
	"github.com/siliconchat/internal/config"
	"github.com/siliconchat/internal/conversation"
	"github.com/siliconchat/internal/llm"
	"github.com/siliconchat/internal/logging"
	"github.com/siliconchat/internal/quota"
	"github.com/siliconchat/internal/session"
	"github.com/siliconchat/pkg/models"
)

// MalformedNotice is shown when the model endpoint answers with something
// that is not a chat completion.
const MalformedNotice = "请求失败: 模型服务返回了无法解析的响应，请联系管理员检查接口配置"

// Client is the completion surface the service needs. *llm.Client
// implements it.
type Client interface {
	llm.Completer
	ListModels(ctx context.Context, p llm.Params) ([]llm.Model, error)
}

type requestIDKey struct{}

// WithRequestID attaches a request id that replies and logs will carry.
func WithRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, requestIDKey{}, id)
}

func requestID(ctx context.Context) string {
	if id, ok := ctx.Value(requestIDKey{}).(string); ok && id != "" {
		return id
	}
	return uuid.NewString()
}

// Service wires the registry, quota ledger, affection tracker and
// completion clients together.
type Service struct {
	registry *session.Registry
	ledger   *quota.Ledger
	tracker  *affection.Tracker
	client   Client
	holder   *config.Holder
	sender   Sender

	pokeClient llm.Completer
	pokeModel  atomic.Pointer[llms.Model]
}

// Deps are the collaborators of a Service. PokeClient defaults to Client.
type Deps struct {
	Registry   *session.Registry
	Ledger     *quota.Ledger
	Tracker    *affection.Tracker
	Client     Client
	PokeClient llm.Completer
	Holder     *config.Holder
	Sender     Sender
}

func NewService(d Deps) *Service {
	s := &Service{
		registry:   d.Registry,
		ledger:     d.Ledger,
		tracker:    d.Tracker,
		client:     d.Client,
		holder:     d.Holder,
		sender:     d.Sender,
		pokeClient: d.PokeClient,
	}
	if s.sender == nil {
		s.sender = LogSender{}
	}
	if s.pokeClient == nil {
		s.pokeClient = d.Client
	}
	s.Apply(d.Holder.Current())
	d.Holder.Subscribe(s.Apply)
	return s
}

// Apply pushes a new snapshot to the ledger, the tracker and the poke model.
// Conversations are updated by the registry's own subscription.
func (s *Service) Apply(snap *config.Snapshot) {
	s.ledger.SetDefaultMax(snap.DefaultMaxTokens)
	s.tracker.Apply(snap)

	var model llms.Model = llm.NewLangchainModel(s.pokeClient, llm.Params{
		Endpoint:    snap.Affection.Endpoint,
		APIKey:      snap.Affection.APIKey,
		Model:       snap.Affection.Model,
		MaxTokens:   snap.LLM.MaxTokens,
		Temperature: snap.LLM.Temperature,
	})
	s.pokeModel.Store(&model)
}

// HandleMessage appends a channel message to the conversation without
// calling the model. The bot's own messages are skipped.
func (s *Service) HandleMessage(ctx context.Context, ev models.MessageEvent) error {
	snap := s.holder.Current()
	if snap.BotUserID != "" && ev.UserID == snap.BotUserID {
		return nil
	}

	key := conversation.Key{Platform: ev.Platform, ChannelID: ev.ChannelID}
	h := s.registry.Resolve(ctx, key)
	return h.Do(func(st *conversation.State) error {
		st.AppendUser(conversation.CollectedEnvelope(ev.DisplayName, ev.Text))
		s.registry.Persist(ctx, st)
		return nil
	})
}

// Chat sends the user's message with the channel history and records the
// reply in it.
func (s *Service) Chat(ctx context.Context, req models.CommandRequest) (models.Reply, error) {
	reply := s.newReply(ctx, req)
	logger := logging.ForChannel(req.Platform, req.ChannelID).With().Str("request_id", reply.RequestID).Logger()

	if !s.allowed(ctx, req.UserID, logger) {
		return s.deny(ctx, reply, req), nil
	}

	key := conversation.Key{Platform: req.Platform, ChannelID: req.ChannelID}
	h := s.registry.Resolve(ctx, key)

	var res *llm.Result
	err := h.Do(func(st *conversation.State) error {
		st.AppendUser(conversation.UserEnvelope(req.DisplayName, req.Text))

		var err error
		res, err = s.client.Complete(ctx, toWire(st.History()), llm.Params(st.Params()))
		if err != nil {
			s.registry.Persist(ctx, st)
			return err
		}
		if !res.Degraded {
			st.AppendAssistant(res.Content, res.Reasoning)
		}
		s.registry.Persist(ctx, st)
		return nil
	})
	if err != nil {
		return s.failed(ctx, reply, err, logger)
	}

	rec := s.charge(ctx, req.UserID, res.Usage, logger)

	reply.Messages = append(reply.Messages, fmt.Sprintf("剩余额度: %d", rec.Remaining()), res.CommonText)
	if res.ExtractedText != "" {
		reply.Messages = append(reply.Messages, res.ExtractedText)
		reply.Text = res.ExtractedText
	}

	s.deliver(ctx, reply, logger)
	return reply, nil
}

// ChatNoHistory sends only the user's message, leaving the channel history
// untouched.
func (s *Service) ChatNoHistory(ctx context.Context, req models.CommandRequest) (models.Reply, error) {
	reply := s.newReply(ctx, req)
	logger := logging.ForChannel(req.Platform, req.ChannelID).With().Str("request_id", reply.RequestID).Logger()

	if !s.allowed(ctx, req.UserID, logger) {
		return s.deny(ctx, reply, req), nil
	}

	before, err := s.ledger.Get(ctx, req.UserID)
	if err != nil {
		logger.Warn().Err(err).Msg("failed to read quota")
	}

	snap := s.holder.Current()
	params := conversation.ParamsFor(snap, req.ChannelID)
	messages := []llm.Message{{Role: string(conversation.RoleUser), Content: conversation.UserEnvelope(req.DisplayName, req.Text)}}

	res, err := s.client.Complete(ctx, messages, llm.Params(params))
	if err != nil {
		return s.failed(ctx, reply, err, logger)
	}

	s.charge(ctx, req.UserID, res.Usage, logger)

	var total int64
	if res.Usage != nil {
		total = int64(res.Usage.TotalTokens)
	}
	reply.Messages = append(reply.Messages,
		fmt.Sprintf("额度: %d, 当前使用额度: %d, 剩余: %d", before.Remaining(), before.UsedTokens+total, before.Remaining()-total),
		res.CommonText,
	)
	if res.ExtractedText != "" {
		reply.Messages = append(reply.Messages, res.ExtractedText)
		reply.Text = res.ExtractedText
	}

	s.deliver(ctx, reply, logger)
	return reply, nil
}

// Clear drops the channel history down to its system message.
func (s *Service) Clear(ctx context.Context, req models.CommandRequest) (models.Reply, error) {
	reply := s.newReply(ctx, req)
	key := conversation.Key{Platform: req.Platform, ChannelID: req.ChannelID}

	var removed int
	_ = s.registry.Resolve(ctx, key).Do(func(st *conversation.State) error {
		removed = st.Clear()
		s.registry.Persist(ctx, st)
		return nil
	})

	reply.Text = fmt.Sprintf("清除了%d条聊天记录", removed)
	s.deliver(ctx, reply, log.Logger)
	return reply, nil
}

// Models lists the models the configured endpoint offers.
func (s *Service) Models(ctx context.Context) ([]llm.Model, error) {
	snap := s.holder.Current()
	return s.client.ListModels(ctx, llm.Params(conversation.ParamsFor(snap, "")))
}

// ModelsReply formats the model list one id per line.
func (s *Service) ModelsReply(ctx context.Context, req models.CommandRequest) (models.Reply, error) {
	reply := s.newReply(ctx, req)
	list, err := s.Models(ctx)
	if err != nil {
		return reply, fmt.Errorf("failed to list models: %w", err)
	}

	var b strings.Builder
	for _, m := range list {
		b.WriteString(m.ID)
		b.WriteString("\n")
	}
	reply.Messages = []string{b.String()}
	s.deliver(ctx, reply, log.Logger)
	return reply, nil
}

// Poke answers a poke aimed at the bot in a tone matching the poker's
// affection level. It returns nil when the poke is ignored: another target,
// or the poker is still cooling down.
func (s *Service) Poke(ctx context.Context, ev models.PokeEvent) (*models.Reply, error) {
	snap := s.holder.Current()
	logger := logging.ForChannel(ev.Platform, ev.ChannelID)

	if snap.BotUserID == "" || ev.TargetUserID != snap.BotUserID {
		logger.Debug().Str("target", ev.TargetUserID).Msg("poke not aimed at the bot")
		return nil, nil
	}

	level, ok, err := s.tracker.Bump(ctx, ev.SourceUserID)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, nil
	}

	tier, ok := affection.SelectTier(snap.Affection.Levels, level)
	if !ok {
		return nil, errors.New("no affection levels configured")
	}

	name := ev.SourceName
	if name == "" {
		name = ev.SourceUserID
	}
	prompt := affection.Render(tier.Prompt, affection.Vars{
		UserName:  name,
		ChannelID: ev.ChannelID,
		Favorable: level,
	})

	model := *s.pokeModel.Load()
	resp, err := model.GenerateContent(ctx, []llms.MessageContent{
		llms.TextParts(llms.ChatMessageTypeSystem, snap.Affection.SystemPrompt),
		llms.TextParts(llms.ChatMessageTypeHuman, prompt),
	})
	if err != nil {
		logger.Error().Err(err).Str("user_id", ev.SourceUserID).Msg("poke reply failed")
		return nil, fmt.Errorf("failed to generate poke reply: %w", err)
	}
	if len(resp.Choices) == 0 || strings.TrimSpace(resp.Choices[0].Content) == "" {
		return nil, nil
	}

	reply := models.Reply{
		RequestID: requestID(ctx),
		Platform:  ev.Platform,
		ChannelID: ev.ChannelID,
		Text:      resp.Choices[0].Content,
	}
	logger.Info().Str("user_id", ev.SourceUserID).Bool("direct", ev.IsDirect).Float64("level", level).Float64("tier", tier.Level).Msg("poke answered")
	s.deliver(ctx, reply, logger)
	return &reply, nil
}

func (s *Service) newReply(ctx context.Context, req models.CommandRequest) models.Reply {
	return models.Reply{
		RequestID: requestID(ctx),
		Platform:  req.Platform,
		ChannelID: req.ChannelID,
	}
}

// allowed checks the quota. A ledger failure lets the request through.
func (s *Service) allowed(ctx context.Context, userID string, logger zerolog.Logger) bool {
	ok, err := s.ledger.Check(ctx, userID)
	if err != nil {
		logger.Warn().Err(err).Str("user_id", userID).Msg("quota check failed, allowing request")
		return true
	}
	return ok
}

func (s *Service) deny(ctx context.Context, reply models.Reply, req models.CommandRequest) models.Reply {
	reply.Text = fmt.Sprintf("%s: token用量达到上限", req.DisplayName)
	s.deliver(ctx, reply, log.Logger)
	return reply
}

// charge bills usage and returns the resulting record. Without usage nothing
// is charged.
func (s *Service) charge(ctx context.Context, userID string, usage *llm.Usage, logger zerolog.Logger) quota.Record {
	if usage != nil {
		rec, err := s.ledger.Charge(ctx, userID, int64(usage.TotalTokens))
		if err == nil {
			return rec
		}
		logger.Warn().Err(err).Str("user_id", userID).Msg("failed to charge quota")
	}
	rec, err := s.ledger.Get(ctx, userID)
	if err != nil {
		logger.Warn().Err(err).Str("user_id", userID).Msg("failed to read quota")
	}
	return rec
}

// failed turns a malformed upstream response into a notice. Any other error
// is returned as is.
func (s *Service) failed(ctx context.Context, reply models.Reply, err error, logger zerolog.Logger) (models.Reply, error) {
	if errors.Is(err, llm.ErrMalformedResponse) {
		logger.Error().Err(err).Msg("malformed completion response")
		reply.Text = MalformedNotice
		s.deliver(ctx, reply, logger)
		return reply, nil
	}
	return reply, err
}

func (s *Service) deliver(ctx context.Context, reply models.Reply, logger zerolog.Logger) {
	if err := s.sender.Send(ctx, reply); err != nil {
		logger.Error().Err(err).Str("request_id", reply.RequestID).Msg("failed to deliver reply")
	}
}

func toWire(history []conversation.ChatMessage) []llm.Message {
	out := make([]llm.Message, len(history))
	for i, m := range history {
		out[i] = llm.Message{Role: string(m.Role), Content: m.Content}
	}
	return out
}
