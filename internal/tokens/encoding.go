package tokens

import (
	"fmt"
	"sync"

	"github.com/pkoukk/tiktoken-go"
	tiktoken_loader "github.com/pkoukk/tiktoken-go-loader"
)

// encodingName is the BPE vocabulary shared by the gpt-3.5-turbo and gpt-4 families.
const encodingName = "cl100k_base"

var (
	encOnce sync.Once
	enc     *tiktoken.Tiktoken
)

// encoding returns the cl100k_base encoder. The ranks ship with the loader package, so nothing is
// downloaded; a failure to load them is a build defect and panics.
func encoding() *tiktoken.Tiktoken {
	encOnce.Do(func() {
		tiktoken.SetBpeLoader(tiktoken_loader.NewOfflineLoader())

		var err error
		enc, err = tiktoken.GetEncoding(encodingName)
		if err != nil {
			panic(fmt.Sprintf("tokens: load %s: %v", encodingName, err))
		}
	})
	return enc
}

// TextTokens returns the number of tokens text encodes to. Special-token markup in text is encoded
// as ordinary text.
func TextTokens(text string) int {
	if text == "" {
		return 0
	}
	return len(encoding().Encode(text, nil, nil))
}
