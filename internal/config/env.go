package config

import (
	"strings"

	"github.com/spf13/viper"
)

const (
	EnvConfig     = "SCHD_CONFIG"
	EnvAdminEmail = "SCHD_ADMIN_EMAIL"

	DefaultConfigPath = "conf/schd.yaml"
	defaultSMTPPort   = 587
)

// newEnv returns the viper instance that backs environment fallbacks.
func newEnv() *viper.Viper {
	v := viper.New()
	bindNotifierEnvVars(v)
	v.SetDefault("smtp_port", defaultSMTPPort)
	v.SetDefault("smtp_starttls", "true")
	return v
}

func bindNotifierEnvVars(v *viper.Viper) {
	_ = v.BindEnv("smtp_server", "SMTP_SERVER")
	_ = v.BindEnv("smtp_port", "SMTP_PORT")
	_ = v.BindEnv("smtp_starttls", "SMTP_STARTTLS")
	_ = v.BindEnv("smtp_user", "SMTP_USER")
	_ = v.BindEnv("smtp_password", "SMTP_PASS")
	_ = v.BindEnv("from_addr", "SMTP_FROM")
	_ = v.BindEnv("to_addr", EnvAdminEmail)
}

// ResolvePath picks the config file: the flag value, then $SCHD_CONFIG, then
// conf/schd.yaml.
func ResolvePath(flag string) string {
	if p := strings.TrimSpace(flag); p != "" {
		return p
	}
	v := viper.New()
	_ = v.BindEnv("config", EnvConfig)
	v.SetDefault("config", DefaultConfigPath)
	if p := strings.TrimSpace(v.GetString("config")); p != "" {
		return p
	}
	return DefaultConfigPath
}

// applyEnv fills unset email notifier fields from the environment. Only the
// email notifier reads the environment; other types are left untouched.
func applyEnv(n *ErrorNotifierConfig, v *viper.Viper) {
	if !strings.EqualFold(strings.TrimSpace(n.Type), "email") {
		return
	}
	fill := func(dst *string, key string) {
		if strings.TrimSpace(*dst) == "" {
			*dst = strings.TrimSpace(v.GetString(key))
		}
	}
	fill(&n.SMTPServer, "smtp_server")
	fill(&n.SMTPUser, "smtp_user")
	fill(&n.SMTPPassword, "smtp_password")
	fill(&n.FromAddr, "from_addr")
	fill(&n.ToAddr, "to_addr")
	if n.SMTPPort == 0 {
		n.SMTPPort = v.GetInt("smtp_port")
		if n.SMTPPort == 0 {
			n.SMTPPort = defaultSMTPPort
		}
	}
	if n.SMTPStartTLS == nil {
		on := strings.EqualFold(strings.TrimSpace(v.GetString("smtp_starttls")), "true")
		n.SMTPStartTLS = &on
	}
}
