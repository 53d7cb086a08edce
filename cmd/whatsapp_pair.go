package cmd

import (
	"fmt"

	"github.com/skip2/go-qrcode"
	"github.com/spf13/cobra"

	"github.com/shaharia-lab/outagewatch/internal/logger"
)

// NewWhatsAppPairCmd returns the "whatsapp-pair" subcommand that links the
// dispatcher as a WhatsApp companion device.
func NewWhatsAppPairCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "whatsapp-pair",
		Short: "Link a WhatsApp account by scanning a QR code",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			log := logger.NewConsoleLogger(cmd.ErrOrStderr(), cfg.SlogLevel())

			session, err := openWhatsApp(cmd.Context(), cfg, log)
			if err != nil {
				return err
			}
			defer session.Close()

			out := cmd.OutOrStdout()
			if session.Paired() {
				fmt.Fprintln(out, okStyle.Render("already paired"))
				return nil
			}

			fmt.Fprintln(out, titleStyle.Render("Scan with WhatsApp → Linked devices → Link a device"))
			err = session.Pair(cmd.Context(), func(code string) {
				qr, err := qrcode.New(code, qrcode.Low)
				if err != nil {
					log.Error("rendering qr code", "error", err)
					fmt.Fprintln(out, code)
					return
				}
				fmt.Fprintln(out, qr.ToSmallString(false))
			})
			if err != nil {
				return err
			}
			fmt.Fprintln(out, okStyle.Render("paired; set WHATSAPP_ENABLED=true and restart serve"))
			return nil
		},
	}
}
