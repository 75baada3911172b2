package processors

import (
	"context"
	"encoding/base64"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
	openai "github.com/sashabaranov/go-openai"
	"golang.org/x/time/rate"

	"videoCourse/config"
)

// ModelClient 生成式模型客户端：文本、视觉与向量
type ModelClient interface {
	// Complete 纯文本对话
	Complete(ctx context.Context, prompt string) (string, error)
	// CompleteWithImage 带一张 JPEG 图片的对话
	CompleteWithImage(ctx context.Context, prompt string, jpeg []byte) (string, error)
	Embed(ctx context.Context, text string) ([]float32, error)
	GetProvider() string
}

// NewModelClient 有 API 配置时使用 OpenAI 兼容客户端，否则使用 Mock
func NewModelClient(cfg *config.Config) ModelClient {
	if !cfg.HasValidAPI() {
		log.Printf("[MODEL] API key not configured, using mock model client")
		return &MockModelClient{}
	}
	return NewOpenAIModelClient(cfg)
}

// OpenAIModelClient 基于 go-openai 的实现，BaseURL 可指向任何 OpenAI 兼容端点
type OpenAIModelClient struct {
	cli            *openai.Client
	chatModel      string
	visionModel    string
	embeddingModel string
	embeddingDim   int
	timeout        time.Duration
	limiter        *rate.Limiter
}

// NewOpenAIModelClient 创建客户端
func NewOpenAIModelClient(cfg *config.Config) *OpenAIModelClient {
	clientConfig := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		clientConfig.BaseURL = cfg.BaseURL
	}
	limiter := rate.NewLimiter(rate.Inf, 1)
	if cfg.ModelRPS > 0 {
		limiter = rate.NewLimiter(rate.Limit(cfg.ModelRPS), 1)
	}
	return &OpenAIModelClient{
		cli:            openai.NewClientWithConfig(clientConfig),
		chatModel:      cfg.ChatModel,
		visionModel:    cfg.VisionModel,
		embeddingModel: cfg.EmbeddingModel,
		embeddingDim:   cfg.EmbeddingDim,
		timeout:        cfg.ModelTimeout(),
		limiter:        limiter,
	}
}

func (c *OpenAIModelClient) GetProvider() string { return "openai" }

func (c *OpenAIModelClient) Complete(ctx context.Context, prompt string) (string, error) {
	return c.chat(ctx, c.chatModel, openai.ChatCompletionMessage{
		Role:    openai.ChatMessageRoleUser,
		Content: prompt,
	})
}

func (c *OpenAIModelClient) CompleteWithImage(ctx context.Context, prompt string, jpeg []byte) (string, error) {
	dataURL := "data:image/jpeg;base64," + base64.StdEncoding.EncodeToString(jpeg)
	return c.chat(ctx, c.visionModel, openai.ChatCompletionMessage{
		Role: openai.ChatMessageRoleUser,
		MultiContent: []openai.ChatMessagePart{
			{Type: openai.ChatMessagePartTypeText, Text: prompt},
			{Type: openai.ChatMessagePartTypeImageURL, ImageURL: &openai.ChatMessageImageURL{URL: dataURL, Detail: openai.ImageURLDetailAuto}},
		},
	})
}

func (c *OpenAIModelClient) chat(ctx context.Context, model string, msg openai.ChatCompletionMessage) (string, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return "", errors.Wrap(err, "rate limiter")
	}
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	resp, err := c.cli.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model:       model,
		Messages:    []openai.ChatCompletionMessage{msg},
		Temperature: 0.3,
	})
	if err != nil {
		return "", errors.Wrap(err, "chat completion failed")
	}
	if len(resp.Choices) == 0 {
		return "", errors.New("no choices returned")
	}
	return strings.TrimSpace(resp.Choices[0].Message.Content), nil
}

func (c *OpenAIModelClient) Embed(ctx context.Context, text string) ([]float32, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, errors.Wrap(err, "rate limiter")
	}
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	resp, err := c.cli.CreateEmbeddings(ctx, openai.EmbeddingRequest{
		Model:      openai.EmbeddingModel(c.embeddingModel),
		Input:      []string{text},
		Dimensions: c.embeddingDim,
	})
	if err != nil {
		return nil, errors.Wrap(err, "embedding API failed")
	}
	if len(resp.Data) == 0 {
		return nil, errors.New("no embeddings returned")
	}
	return resp.Data[0].Embedding, nil
}

// MockModelClient 本地调试用，所有调用都返回错误，触发各阶段的降级路径
type MockModelClient struct{}

func (m *MockModelClient) GetProvider() string { return "mock" }

func (m *MockModelClient) Complete(ctx context.Context, prompt string) (string, error) {
	return "", errMockModel
}

func (m *MockModelClient) CompleteWithImage(ctx context.Context, prompt string, jpeg []byte) (string, error) {
	return "", errMockModel
}

func (m *MockModelClient) Embed(ctx context.Context, text string) ([]float32, error) {
	return nil, errMockModel
}

var errMockModel = errors.New("model API not configured")

// stripCodeFence 去掉模型回复外层的 ```json 代码块
func stripCodeFence(text string) string {
	text = strings.TrimSpace(text)
	if i := strings.Index(text, "```json"); i >= 0 {
		text = text[i+len("```json"):]
		if j := strings.Index(text, "```"); j >= 0 {
			text = text[:j]
		}
	} else if strings.HasPrefix(text, "```") {
		text = strings.TrimPrefix(text, "```")
		if j := strings.Index(text, "```"); j >= 0 {
			text = text[:j]
		}
	}
	return strings.TrimSpace(text)
}

// truncateRunes 按字符截断
func truncateRunes(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n])
}

func languageHint(lang string) string {
	if lang == "" {
		return ""
	}
	return fmt.Sprintf(" Write all text in %s.", lang)
}
