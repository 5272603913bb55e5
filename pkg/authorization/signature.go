package authorization

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/ethereum/go-ethereum/common/hexutil"
)

const rawSignatureLength = 132

// SplitSignature splits a 65 byte hex signature into r, s and the recovery byte.
//
// Returns:
//   - r: characters [0, 66) of raw, "0x" included
//   - s: "0x" followed by characters [66, 130)
//   - v: the byte encoded by characters [130, 132)
//   - error: ErrMalformedSignature unless raw is "0x" followed by 130 hex digits
func SplitSignature(raw string) (r string, s string, v byte, err error) {
	if len(raw) != rawSignatureLength {
		return "", "", 0, fmt.Errorf("expected %d characters, got %d: %w", rawSignatureLength, len(raw), ErrMalformedSignature)
	}
	if !strings.HasPrefix(raw, "0x") && !strings.HasPrefix(raw, "0X") {
		return "", "", 0, fmt.Errorf("missing 0x prefix: %w", ErrMalformedSignature)
	}
	if _, err := hexutil.Decode("0x" + raw[2:]); err != nil {
		return "", "", 0, fmt.Errorf("%v: %w", err, ErrMalformedSignature)
	}

	recovery, err := strconv.ParseUint(raw[130:132], 16, 8)
	if err != nil {
		return "", "", 0, fmt.Errorf("invalid recovery byte: %w", ErrMalformedSignature)
	}
	return raw[0:66], "0x" + raw[66:130], byte(recovery), nil
}
