package telegramuser

import (
	"context"
	"strings"

	"github.com/gotd/td/telegram/auth"
	"github.com/gotd/td/tg"

	"github.com/nextlevelbuilder/agenthub/internal/bus"
	"github.com/nextlevelbuilder/agenthub/internal/fault"
)

// promptAuth feeds gotd's login flow from operator-supplied values.
// Steps not answered by config publish an AuthPrompt event and block
// until SubmitAuthValue delivers the answer.
type promptAuth struct {
	user *User
}

var _ auth.UserAuthenticator = promptAuth{}

func (p promptAuth) Phone(ctx context.Context) (string, error) {
	if phone := strings.TrimSpace(p.user.cfg.Phone); phone != "" {
		return phone, nil
	}
	return p.user.await(ctx, bus.AuthPhone)
}

func (p promptAuth) Code(ctx context.Context, _ *tg.AuthSentCode) (string, error) {
	return p.user.await(ctx, bus.AuthCode)
}

func (p promptAuth) Password(ctx context.Context) (string, error) {
	if p.user.cfg.Password != "" {
		return p.user.cfg.Password, nil
	}
	return p.user.await(ctx, bus.AuthPassword)
}

func (p promptAuth) AcceptTermsOfService(context.Context, tg.HelpTermsOfService) error {
	return nil
}

// SignUp is reached when the phone number has no Telegram account.
// Registering accounts is out of scope for a messaging hub.
func (p promptAuth) SignUp(context.Context) (auth.UserInfo, error) {
	return auth.UserInfo{}, fault.New(fault.AuthFailed, "phone number is not registered on telegram")
}
