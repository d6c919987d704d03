package commands

import (
	"context"
	"fmt"
	"time"

	"github.com/wolfeidau/simstream/internal/auth"
	"github.com/wolfeidau/simstream/internal/models"
)

type TokenCmd struct {
	UserID int64         `help:"User id the credential names" required:""`
	Email  string        `help:"User email, informational only"`
	TTL    time.Duration `help:"Token lifetime" default:"1h"`
	Secret string        `help:"Channel signing secret" required:"" env:"SIMSTREAM_JWT_SECRET"`
}

func (t *TokenCmd) Run(ctx context.Context) error {
	token, err := auth.IssueToken(t.Secret, models.Identity{UserID: t.UserID, Email: t.Email}, t.TTL)
	if err != nil {
		return err
	}

	fmt.Println(token)
	return nil
}
