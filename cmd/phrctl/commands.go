package main

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/spf13/cobra"

	"github.com/onnwee/medledger/internal/auth"
	"github.com/onnwee/medledger/internal/clinical"
	"github.com/onnwee/medledger/internal/hybrid"
	"github.com/onnwee/medledger/internal/keys"
)

// Envelope output formats.
const (
	formatJSON = "json"
	formatCBOR = "cbor"
)

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "phrctl",
		Short:         "MedLedger client tooling",
		Long:          "Key generation, record encryption and wallet signing for MedLedger clients.",
		SilenceUsage:  true,
		SilenceErrors: false,
	}
	root.AddCommand(
		newKeygenCmd(),
		newEncryptCmd(),
		newDecryptCmd(),
		newWalletCmd(),
		newGrantCmd(),
		newValidateCmd(),
	)
	return root
}

// readValue resolves a flag value: "@path" reads a file, "-" reads stdin,
// anything else is used literally.
func readValue(cmd *cobra.Command, v string) ([]byte, error) {
	switch {
	case v == "-":
		return io.ReadAll(cmd.InOrStdin())
	case strings.HasPrefix(v, "@"):
		return os.ReadFile(strings.TrimPrefix(v, "@"))
	}
	return []byte(v), nil
}

func requireFlag(cmd *cobra.Command, name string) (string, error) {
	v, _ := cmd.Flags().GetString(name)
	if v == "" {
		return "", fmt.Errorf("--%s is required", name)
	}
	return v, nil
}

func writeJSON(cmd *cobra.Command, v any) error {
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func newKeygenCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "keygen",
		Short: "Generate an RSA key pair for record encryption",
		RunE: func(cmd *cobra.Command, args []string) error {
			bits, _ := cmd.Flags().GetInt("bits")
			asPEM, _ := cmd.Flags().GetBool("pem")

			priv, err := keys.Generate(bits)
			if err != nil {
				return err
			}
			pub, err := keys.MarshalPublicKey(&priv.PublicKey)
			if err != nil {
				return err
			}
			private, err := keys.MarshalPrivateKey(priv)
			if err != nil {
				return err
			}
			if asPEM {
				if pub, err = keys.EncodePEM(pub, "PUBLIC KEY"); err != nil {
					return err
				}
				if private, err = keys.EncodePEM(private, "PRIVATE KEY"); err != nil {
					return err
				}
			}
			return writeJSON(cmd, map[string]string{"publicKey": pub, "privateKey": private})
		},
	}
	cmd.Flags().Int("bits", keys.DefaultBits, "RSA modulus size")
	cmd.Flags().Bool("pem", false, "emit PEM blocks instead of base64 DER")
	return cmd
}

func newEncryptCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "encrypt",
		Short: "Encrypt record content to a patient's public key",
		RunE: func(cmd *cobra.Command, args []string) error {
			keyFlag, err := requireFlag(cmd, "public-key")
			if err != nil {
				return err
			}
			inFlag, _ := cmd.Flags().GetString("in")
			format, _ := cmd.Flags().GetString("format")

			keyText, err := readValue(cmd, keyFlag)
			if err != nil {
				return err
			}
			pub, err := keys.ParsePublicKey(string(keyText))
			if err != nil {
				return err
			}
			plaintext, err := readValue(cmd, inFlag)
			if err != nil {
				return err
			}
			if _, err := clinical.Parse(plaintext); err != nil {
				return fmt.Errorf("content rejected: %w", err)
			}

			env, err := hybrid.Encrypt(plaintext, pub)
			if err != nil {
				return err
			}
			switch format {
			case formatJSON:
				text, err := env.MarshalJSONString()
				if err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), text)
			case formatCBOR:
				data, err := env.MarshalCBOR()
				if err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), base64.StdEncoding.EncodeToString(data))
			default:
				return fmt.Errorf("unknown format %q (want json or cbor)", format)
			}
			return nil
		},
	}
	cmd.Flags().String("public-key", "", "recipient public key, base64 SPKI or PEM (@file, - for stdin)")
	cmd.Flags().String("in", "-", "plaintext (@file, - for stdin, or literal text)")
	cmd.Flags().String("format", formatJSON, "envelope format: json or cbor (base64)")
	return cmd
}

func newDecryptCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "decrypt",
		Short: "Decrypt a record envelope with a private key",
		RunE: func(cmd *cobra.Command, args []string) error {
			keyFlag, err := requireFlag(cmd, "private-key")
			if err != nil {
				return err
			}
			inFlag, _ := cmd.Flags().GetString("in")

			keyText, err := readValue(cmd, keyFlag)
			if err != nil {
				return err
			}
			priv, err := keys.ParsePrivateKey(string(keyText))
			if err != nil {
				return err
			}
			raw, err := readValue(cmd, inFlag)
			if err != nil {
				return err
			}

			env, err := parseEnvelopeInput(raw)
			if err != nil {
				return err
			}
			plaintext, err := hybrid.Decrypt(env, priv)
			if err != nil {
				return err
			}
			_, err = cmd.OutOrStdout().Write(plaintext)
			return err
		},
	}
	cmd.Flags().String("private-key", "", "base64 PKCS#8 or PEM private key (@file, - for stdin)")
	cmd.Flags().String("in", "-", "envelope as JSON or base64 CBOR (@file, - for stdin)")
	return cmd
}

// parseEnvelopeInput accepts JSON text or the base64 CBOR that encrypt emits.
func parseEnvelopeInput(raw []byte) (*hybrid.Envelope, error) {
	text := strings.TrimSpace(string(raw))
	if strings.HasPrefix(text, "{") {
		return hybrid.ParseEnvelope([]byte(text))
	}
	data, err := base64.StdEncoding.DecodeString(text)
	if err != nil {
		return nil, hybrid.ErrMalformedEnvelope
	}
	return hybrid.ParseEnvelope(data)
}

func newWalletCmd() *cobra.Command {
	wallet := &cobra.Command{
		Use:   "wallet",
		Short: "Wallet key and challenge signing helpers",
	}

	newCmd := &cobra.Command{
		Use:   "new",
		Short: "Generate a secp256k1 wallet key",
		RunE: func(cmd *cobra.Command, args []string) error {
			key, err := crypto.GenerateKey()
			if err != nil {
				return err
			}
			return writeJSON(cmd, map[string]string{
				"address":    strings.ToLower(crypto.PubkeyToAddress(key.PublicKey).Hex()),
				"privateKey": hexutil.Encode(crypto.FromECDSA(key)),
			})
		},
	}

	signCmd := &cobra.Command{
		Use:   "sign",
		Short: "Sign a login challenge with a wallet key",
		RunE: func(cmd *cobra.Command, args []string) error {
			keyFlag, err := requireFlag(cmd, "private-key")
			if err != nil {
				return err
			}
			msgFlag, err := requireFlag(cmd, "message")
			if err != nil {
				return err
			}
			keyText, err := readValue(cmd, keyFlag)
			if err != nil {
				return err
			}
			key, err := crypto.HexToECDSA(strings.TrimPrefix(strings.TrimSpace(string(keyText)), "0x"))
			if err != nil {
				return fmt.Errorf("invalid wallet key: %w", err)
			}
			message, err := readValue(cmd, msgFlag)
			if err != nil {
				return err
			}
			signature, err := auth.SignMessage(key, string(message))
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), signature)
			return nil
		},
	}
	signCmd.Flags().String("private-key", "", "hex wallet key (@file, - for stdin)")
	signCmd.Flags().String("message", "", "challenge message (@file, - for stdin)")

	wallet.AddCommand(newCmd, signCmd)
	return wallet
}

func newGrantCmd() *cobra.Command {
	grantCmd := &cobra.Command{
		Use:   "grant",
		Short: "Seal and open access grant wrapping keys",
	}

	sealCmd := &cobra.Command{
		Use:   "seal",
		Short: "Seal key material under a fresh secret for a grant QR code",
		RunE: func(cmd *cobra.Command, args []string) error {
			inFlag, _ := cmd.Flags().GetString("in")
			material, err := readValue(cmd, inFlag)
			if err != nil {
				return err
			}
			if len(material) == 0 {
				return errors.New("nothing to seal")
			}
			secret, err := hybrid.NewSecret()
			if err != nil {
				return err
			}
			sealed, err := hybrid.SealWithSecret(secret, material)
			if err != nil {
				return err
			}
			return writeJSON(cmd, map[string]string{
				"secret":      hybrid.EncodeSecret(secret),
				"wrappingKey": sealed,
			})
		},
	}
	sealCmd.Flags().String("in", "-", "material to seal, usually a private key (@file, - for stdin)")

	openCmd := &cobra.Command{
		Use:   "open",
		Short: "Recover sealed key material with the grant secret",
		RunE: func(cmd *cobra.Command, args []string) error {
			secretFlag, err := requireFlag(cmd, "secret")
			if err != nil {
				return err
			}
			sealedFlag, err := requireFlag(cmd, "wrapping-key")
			if err != nil {
				return err
			}
			secret, err := hybrid.DecodeSecret(secretFlag)
			if err != nil {
				return err
			}
			sealed, err := readValue(cmd, sealedFlag)
			if err != nil {
				return err
			}
			material, err := hybrid.OpenWithSecret(secret, strings.TrimSpace(string(sealed)))
			if err != nil {
				return err
			}
			_, err = cmd.OutOrStdout().Write(material)
			return err
		},
	}
	openCmd.Flags().String("secret", "", "secret from the grant QR fragment")
	openCmd.Flags().String("wrapping-key", "", "sealed material returned by /access/validate (@file, - for stdin)")

	grantCmd.AddCommand(sealCmd, openCmd)
	return grantCmd
}

func newValidateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "validate",
		Short: "Check record content against the clinical payload schemas",
		RunE: func(cmd *cobra.Command, args []string) error {
			inFlag, _ := cmd.Flags().GetString("in")
			content, err := readValue(cmd, inFlag)
			if err != nil {
				return err
			}
			payload, err := clinical.Parse(content)
			if err != nil {
				var verr *clinical.ValidationError
				if errors.As(err, &verr) {
					_ = writeJSON(cmd, map[string]any{"valid": false, "details": verr.Details})
				}
				return err
			}
			return writeJSON(cmd, map[string]any{"valid": true, "kind": payload.Kind()})
		},
	}
	cmd.Flags().String("in", "-", "record content (@file, - for stdin, or literal text)")
	return cmd
}
