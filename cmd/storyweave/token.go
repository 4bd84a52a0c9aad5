package main

import (
	"fmt"

	"github.com/storyweave/realtime/internal/auth"
	"github.com/storyweave/realtime/internal/config"
	"github.com/storyweave/realtime/pkg/models"
)

// runToken mints a signed development token using the configured secret.
func runToken(configPath, userID, userName, role string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	r := models.Role(role)
	if !r.Valid() {
		return fmt.Errorf("unknown role %q (want writer, mentor, moderator, or admin)", role)
	}

	jwtService := auth.NewJWTService(cfg.Auth.JWTSecret, cfg.Auth.TokenExpiry)
	token, err := jwtService.Generate(auth.Identity{
		UserID: userID,
		Name:   userName,
		Role:   r,
	})
	if err != nil {
		return err
	}

	fmt.Println(token)
	return nil
}
