package session

import (
	"fmt"
	"net/url"

	"github.com/rs/zerolog"

	"github.com/halofi/walletcore/internal/config"
)

// Opener hands a URL to the host platform. The mobile shells plug in their
// OS-specific implementation; opening fails when the target app is not
// installed.
type Opener interface {
	OpenURL(link string) error
}

// DeepLinker routes pairing URIs into the user's chosen wallet app using its
// native URL scheme, with the HTTPS universal link as fallback when the
// scheme cannot be opened.
type DeepLinker struct {
	wallets []config.WalletConfig
	opener  Opener
	log     zerolog.Logger
}

// NewDeepLinker builds a dispatcher over the configured wallet registry.
func NewDeepLinker(wallets []config.WalletConfig, opener Opener, log zerolog.Logger) *DeepLinker {
	return &DeepLinker{wallets: wallets, opener: opener, log: log}
}

func (d *DeepLinker) wallet(id string) (config.WalletConfig, error) {
	for _, w := range d.wallets {
		if w.ID == id {
			return w, nil
		}
	}
	return config.WalletConfig{}, fmt.Errorf("unknown wallet %q", id)
}

// Dispatch opens the wallet app on its pairing screen with the given URI.
func (d *DeepLinker) Dispatch(walletID, uri string) error {
	w, err := d.wallet(walletID)
	if err != nil {
		return err
	}

	native := w.Scheme + "?uri=" + url.QueryEscape(uri)
	if err := d.opener.OpenURL(native); err == nil {
		return nil
	} else {
		d.log.Debug().Err(err).Str("wallet", walletID).Msg("native scheme failed, trying universal link")
	}

	fallback := w.UniversalLink + "?uri=" + url.QueryEscape(uri)
	if err := d.opener.OpenURL(fallback); err != nil {
		return fmt.Errorf("open wallet %s: %w", walletID, err)
	}
	return nil
}

// Wake brings the wallet app to the foreground without a pairing payload,
// used to draw the user's attention to a pending signature prompt.
func (d *DeepLinker) Wake(walletID string) error {
	w, err := d.wallet(walletID)
	if err != nil {
		return err
	}
	if err := d.opener.OpenURL(w.Scheme); err == nil {
		return nil
	}
	if err := d.opener.OpenURL(w.UniversalLink); err != nil {
		return fmt.Errorf("wake wallet %s: %w", walletID, err)
	}
	return nil
}
