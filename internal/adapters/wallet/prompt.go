package wallet

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/bnema/paychat/internal/domain"
)

// PromptConfirm asks on out and reads a yes/no answer from in.
func PromptConfirm(in io.Reader, out io.Writer) ConfirmFunc {
	reader := bufio.NewReader(in)
	return func(ctx context.Context, t domain.TransferRequest) (bool, error) {
		if err := ctx.Err(); err != nil {
			return false, err
		}
		fmt.Fprintf(out, "Approve payment of %s USDC to %s (%s)? [y/N] ", t.Amount, t.To, t.PaymentID)
		line, err := reader.ReadString('\n')
		if err != nil && line == "" {
			return false, nil
		}
		switch strings.ToLower(strings.TrimSpace(line)) {
		case "y", "yes":
			return true, nil
		default:
			return false, nil
		}
	}
}
