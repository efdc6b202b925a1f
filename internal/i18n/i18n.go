// Package i18n renders the CLI's status notices in the participant's language.
package i18n

import (
	"embed"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/BurntSushi/toml"
	"github.com/nicksnyder/go-i18n/v2/i18n"
	"golang.org/x/text/language"
)

// Message ids of the bundled catalogs
const (
	MsgConnecting   = "Connecting"
	MsgConnected    = "Connected"
	MsgReconnecting = "Reconnecting"
	MsgGaveUp       = "GaveUp"
	MsgDisconnected = "Disconnected"
	MsgRoster       = "Roster"
	MsgTyping       = "Typing"
	MsgSendFailed   = "SendFailed"
	MsgServerError  = "ServerError"
)

//go:embed locales/*.toml
var locales embed.FS

// I18n manages internationalization and translations
type I18n struct {
	bundle      *i18n.Bundle
	defaultLang language.Tag
	matcher     language.Matcher
}

// New creates an I18n with the bundled catalogs loaded. defaultLang is
// used when a requested language has no catalog.
func New(defaultLang string) (*I18n, error) {
	tag, err := language.Parse(defaultLang)
	if err != nil {
		tag = language.English
	}
	bundle := i18n.NewBundle(tag)
	bundle.RegisterUnmarshalFunc("toml", toml.Unmarshal)

	entries, err := locales.ReadDir("locales")
	if err != nil {
		return nil, fmt.Errorf("failed to read bundled locales: %w", err)
	}
	for _, e := range entries {
		if _, err := bundle.LoadMessageFileFS(locales, "locales/"+e.Name()); err != nil {
			return nil, fmt.Errorf("failed to load %s: %w", e.Name(), err)
		}
	}

	t := &I18n{bundle: bundle, defaultLang: tag}
	t.refreshMatcher()
	return t, nil
}

// LoadTranslations loads extra or overriding translation files from dir
func (i *I18n) LoadTranslations(dir string) error {
	files, err := os.ReadDir(dir)
	if err != nil {
		return fmt.Errorf("failed to read translations directory: %w", err)
	}
	for _, file := range files {
		if file.IsDir() || !strings.HasSuffix(file.Name(), ".toml") {
			continue
		}
		if _, err := i.bundle.LoadMessageFile(filepath.Join(dir, file.Name())); err != nil {
			return fmt.Errorf("failed to load %s: %w", file.Name(), err)
		}
	}
	i.refreshMatcher()
	return nil
}

func (i *I18n) refreshMatcher() {
	tags := []language.Tag{i.defaultLang}
	for _, t := range i.bundle.LanguageTags() {
		if t != i.defaultLang {
			tags = append(tags, t)
		}
	}
	i.matcher = language.NewMatcher(tags)
}

// Languages lists the languages that have a catalog
func (i *I18n) Languages() []string {
	tags := i.bundle.LanguageTags()
	out := make([]string, len(tags))
	for n, t := range tags {
		out[n] = t.String()
	}
	return out
}

// Match returns the catalog language closest to lang, or the default
func (i *I18n) Match(lang string) language.Tag {
	tag, _, conf := i.matcher.Match(language.Make(lang))
	if conf == language.No {
		return i.defaultLang
	}
	base, _ := tag.Base()
	return language.Make(base.String())
}

// Translate returns a localized string for the given message ID and language
func (i *I18n) Translate(msgID string, lang string, templateData map[string]any) string {
	localizer := i18n.NewLocalizer(i.bundle, i.Match(lang).String(), i.defaultLang.String())

	lc := &i18n.LocalizeConfig{MessageID: msgID}
	if len(templateData) > 0 {
		lc.TemplateData = templateData
		if count, ok := templateData["Count"]; ok {
			lc.PluralCount = count
		}
	}
	msg, err := localizer.Localize(lc)
	if err != nil {
		return msgID
	}
	return msg
}
