package main

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/amoylab/polyroom/internal/common/cnst"
	"github.com/amoylab/polyroom/internal/common/config"
	"github.com/amoylab/polyroom/internal/roomapi"
)

func runUsers(ctx context.Context, cfg *config.ClientConfig, out io.Writer) error {
	if cfg.Session.Room == "" {
		return fmt.Errorf("%w: a room is required, use --room", cnst.ErrInvalidSession)
	}
	client := roomapi.New(cfg.Server.HTTPURL, cfg.Server.FetchTimeout)
	users, ok, err := client.ListUsers(ctx, cfg.Session.Room)
	if err != nil {
		return err
	}
	if !ok {
		return errors.New("the server returned no participant list")
	}
	for _, u := range users {
		fmt.Fprintf(out, "%s\t%s\n", u.ParticipantID, u.Language)
	}
	return nil
}
