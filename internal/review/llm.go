package review

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/openai/openai-go/v3"
	"github.com/openai/openai-go/v3/option"
	"github.com/openai/openai-go/v3/shared"
)

const (
	classifyTimeout = 120 * time.Second
	maxRetries      = 3
	baseBackoff     = 2 * time.Second
	maxBackoff      = 32 * time.Second
)

var errMaxRetriesExceeded = errors.New("max retries exceeded")

// Classifier はレビューコメントのバッチにカテゴリを割り当てます。similar は
// コメントごとにモデルへ渡す過去の類似コメントで、インデックスがまだ無い
// 場合は nil になります。
type Classifier interface {
	ClassifyBatch(ctx context.Context, reviews []string, similar [][]string, categories []string) ([][]string, error)
}

// OpenAIClassifier は JSON オブジェクト形式に固定したチャット補完で
// コメントを分類します。
type OpenAIClassifier struct {
	client openai.Client
	model  string
}

func NewOpenAIClassifier(apiKey, model string) *OpenAIClassifier {
	return &OpenAIClassifier{
		client: openai.NewClient(option.WithAPIKey(apiKey)),
		model:  model,
	}
}

type classifyResponse struct {
	Results []struct {
		Review     int      `json:"review"`
		Categories []string `json:"categories"`
	} `json:"results"`
}

func (c *OpenAIClassifier) ClassifyBatch(ctx context.Context, reviews []string, similar [][]string, categories []string) ([][]string, error) {
	if len(reviews) == 0 {
		return nil, nil
	}

	ctx, cancel := context.WithTimeout(ctx, classifyTimeout)
	defer cancel()

	content, err := c.completeWithRetry(ctx, classifyPrompt(reviews, similar, categories))
	if err != nil {
		return nil, err
	}

	var parsed classifyResponse
	if err := json.Unmarshal([]byte(content), &parsed); err != nil {
		return nil, fmt.Errorf("failed to parse classification response: %w", err)
	}

	out := make([][]string, len(reviews))
	for _, result := range parsed.Results {
		if result.Review < 1 || result.Review > len(reviews) {
			continue
		}
		out[result.Review-1] = filterCategories(result.Categories, categories)
	}
	return out, nil
}

func (c *OpenAIClassifier) completeWithRetry(ctx context.Context, prompt string) (string, error) {
	var lastErr error

	for attempt := 0; attempt <= maxRetries; attempt++ {
		if attempt > 0 {
			backoff := time.Duration(math.Pow(2, float64(attempt-1))) * baseBackoff
			if backoff > maxBackoff {
				backoff = maxBackoff
			}
			select {
			case <-ctx.Done():
				return "", ctx.Err()
			case <-time.After(backoff):
			}
		}

		completion, err := c.client.Chat.Completions.New(ctx, openai.ChatCompletionNewParams{
			Model: shared.ChatModel(c.model),
			Messages: []openai.ChatCompletionMessageParamUnion{
				openai.UserMessage(prompt),
			},
			Temperature: openai.Float(0),
			ResponseFormat: openai.ChatCompletionNewParamsResponseFormatUnion{
				OfJSONObject: &shared.ResponseFormatJSONObjectParam{
					Type: "json_object",
				},
			},
		})
		if err != nil {
			lastErr = err
			if isRateLimitError(err) {
				continue
			}
			return "", fmt.Errorf("OpenAI API call failed: %w", err)
		}
		if len(completion.Choices) == 0 {
			return "", fmt.Errorf("no completion choices returned")
		}
		return completion.Choices[0].Message.Content, nil
	}

	return "", fmt.Errorf("%w: %v", errMaxRetriesExceeded, lastErr)
}

func isRateLimitError(err error) bool {
	var apiErr *openai.Error
	if errors.As(err, &apiErr) {
		return apiErr.StatusCode == 429
	}
	return false
}

func classifyPrompt(reviews []string, similar [][]string, categories []string) string {
	var b strings.Builder
	b.WriteString("You categorize customer review comments.\n")
	b.WriteString("Assign each comment one or more of these categories:\n")
	for _, category := range categories {
		fmt.Fprintf(&b, "- %s\n", category)
	}
	b.WriteString("\nComments:\n")
	for i, review := range reviews {
		fmt.Fprintf(&b, "%d. %s\n", i+1, review)
		if i < len(similar) && len(similar[i]) > 0 {
			b.WriteString("   Similar past comments:\n")
			for _, s := range similar[i] {
				fmt.Fprintf(&b, "   - %s\n", s)
			}
		}
	}
	b.WriteString("\nRespond with a JSON object of the form ")
	b.WriteString(`{"results":[{"review":1,"categories":["..."]}]}`)
	b.WriteString(" covering every comment. Use only the listed categories.\n")
	return b.String()
}

// filterCategories は既知のカテゴリ名に一致するモデル出力だけを残します。
func filterCategories(got, known []string) []string {
	allowed := make(map[string]struct{}, len(known))
	for _, category := range known {
		allowed[category] = struct{}{}
	}
	var kept []string
	for _, category := range got {
		if _, ok := allowed[strings.TrimSpace(category)]; ok {
			kept = append(kept, strings.TrimSpace(category))
		}
	}
	return kept
}
