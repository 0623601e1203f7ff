package tokens

import (
	"fmt"
	"strings"

	"github.com/MegaGrindStone/companion-chat/internal/models"
)

// framing describes how a model's chat format wraps each message. Every message is serialised as
// <|im_start|>{role}{roleSep}{content}<|im_end|>{msgSep} and the sequence ends with the reply
// header <|im_start|>assistant{roleSep}.
type framing struct {
	// messageOverhead is the number of special and separator tokens around one message.
	messageOverhead int
	// replyPriming is the cost of the trailing assistant header.
	replyPriming int
}

var (
	// gpt-3.5-turbo joins messages with a newline and separates role from content with a newline.
	newlineFraming = framing{messageOverhead: 4, replyPriming: 3}
	// Later models use the <|im_sep|> special token and no message separator.
	imSepFraming = framing{messageOverhead: 3, replyPriming: 3}
)

var contextWindows = map[models.ModelID]int{
	"gpt-3.5-turbo":          4096,
	"gpt-3.5-turbo-0301":     4096,
	"gpt-3.5-turbo-0613":     4096,
	"gpt-3.5-turbo-16k":      16384,
	"gpt-3.5-turbo-16k-0613": 16384,
	"gpt-4":                  8192,
	"gpt-4-0314":             8192,
	"gpt-4-0613":             8192,
	"gpt-4-32k":              32768,
	"gpt-4-32k-0314":         32768,
	"gpt-4-32k-0613":         32768,
	"gpt-4-1106-preview":     128000,
}

func framingFor(model models.ModelID) framing {
	if strings.HasPrefix(string(model), "gpt-3.5-turbo") {
		return newlineFraming
	}
	return imSepFraming
}

// ContextWindow returns the maximum number of tokens the model accepts for prompt and completion
// combined.
func ContextWindow(model models.ModelID) (int, error) {
	n, ok := contextWindows[model]
	if !ok {
		return 0, fmt.Errorf("%w: %s", models.ErrUnknownModel, model)
	}
	return n, nil
}
