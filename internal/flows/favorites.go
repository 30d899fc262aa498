package flows

import (
	"context"
	"strings"

	"github.com/MrEthical07/authcore/internal/failure"
)

// RunAddFavorite records productID on the account. A duplicate fails with
// failure.ErrAlreadyFavorited.
func RunAddFavorite(ctx context.Context, accountID, productID string, deps Deps) error {
	productID = strings.TrimSpace(productID)
	if productID == "" {
		return &failure.ValidationError{Field: "productId", Rule: "required"}
	}
	return deps.Accounts.AddFavorite(ctx, accountID, productID)
}

// RunRemoveFavorite drops productID from the account.
func RunRemoveFavorite(ctx context.Context, accountID, productID string, deps Deps) error {
	productID = strings.TrimSpace(productID)
	if productID == "" {
		return &failure.ValidationError{Field: "productId", Rule: "required"}
	}
	return deps.Accounts.RemoveFavorite(ctx, accountID, productID)
}
