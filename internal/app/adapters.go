package app

import (
	"github.com/portariahub/visitgate/internal/automation"
	"github.com/portariahub/visitgate/internal/database"
	"github.com/portariahub/visitgate/internal/devices/hikcentral"
	"github.com/portariahub/visitgate/internal/invites"
	"github.com/portariahub/visitgate/pkg/mail"
)

// DatabaseConfig converts the loaded settings into the database layer's config.
func (c DatabaseConfig) DatabaseConfig() database.Config {
	return database.Config{
		Driver:   c.Driver,
		Path:     c.Path,
		DSN:      c.DSN,
		Host:     c.Host,
		Port:     c.Port,
		Name:     c.Name,
		User:     c.User,
		Password: c.Password,
	}
}

// ClientConfig converts the loaded settings into the device client's config.
func (c DeviceConfig) ClientConfig() hikcentral.Config {
	return hikcentral.Config{
		BaseURL:     c.BaseURL,
		Username:    c.Username,
		Password:    c.Password,
		Timeout:     c.Timeout,
		DoorRight:   c.DoorRight,
		FaceLibType: c.FaceLibType,
	}
}

// GatewayConfig converts the loaded settings into the automation gateway's config.
func (c GatewayConfig) GatewayConfig() automation.Config {
	return automation.Config{
		BaseURL:        c.BaseURL,
		APIKey:         c.APIKey,
		MaxAttempts:    c.MaxAttempts,
		RetryDelay:     c.RetryDelay,
		AttemptTimeout: c.AttemptTimeout,
		HealthTimeout:  c.HealthTimeout,
	}
}

// ServiceConfig converts the loaded settings into the invite service's config.
func (c InviteConfig) ServiceConfig() invites.Config {
	return invites.Config{
		Secret:  c.Secret,
		Issuer:  c.Issuer,
		BaseURL: c.BaseURL,
		LinkTTL: c.LinkTTL,
		QRSize:  c.QRSize,
	}
}

// SMTPSettings converts the loaded settings into the mailer's settings.
func (c EmailConfig) SMTPSettings() mail.SMTPSettings {
	return mail.SMTPSettings{
		Enabled:  c.SMTP.Enabled,
		Host:     c.SMTP.Host,
		Port:     c.SMTP.Port,
		Username: c.SMTP.Username,
		Password: c.SMTP.Password,
		From:     c.SMTP.From,
		UseTLS:   c.SMTP.UseTLS,
		Timeout:  c.SMTP.Timeout,
	}
}
