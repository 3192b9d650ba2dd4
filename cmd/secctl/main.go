package main

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/SatyaTirumalasetty/fractOwn-sub000/internal/audit"
	"github.com/SatyaTirumalasetty/fractOwn-sub000/internal/auth"
	"github.com/SatyaTirumalasetty/fractOwn-sub000/internal/crypto"
	"github.com/SatyaTirumalasetty/fractOwn-sub000/internal/totp"
)

var rootCmd = &cobra.Command{
	Use:          "secctl",
	Short:        "Operator tooling for the FractOwn security service",
	SilenceUsage: true,
}

var (
	passcodeDigits int
	withHashes     bool
	keyEnv         string
	totpSecret     string
	totpAccount    string
	totpIssuer     string
)

var tokenCmd = &cobra.Command{
	Use:   "token",
	Short: "Generate a random session token",
	RunE: func(cmd *cobra.Command, args []string) error {
		tok, err := crypto.GenerateSessionToken()
		if err != nil {
			return err
		}
		fmt.Println(tok)
		return nil
	},
}

var passcodeCmd = &cobra.Command{
	Use:   "passcode",
	Short: "Generate a uniform numeric one-time passcode",
	RunE: func(cmd *cobra.Command, args []string) error {
		code, err := crypto.GeneratePasscode(passcodeDigits)
		if err != nil {
			return err
		}
		fmt.Println(code)
		return nil
	},
}

var backupCodesCmd = &cobra.Command{
	Use:   "backup-codes",
	Short: "Generate a backup code set, optionally with storable hashes",
	RunE: func(cmd *cobra.Command, args []string) error {
		codes, err := crypto.GenerateBackupCodes(crypto.BackupCodeCount)
		if err != nil {
			return err
		}
		for _, c := range codes {
			if withHashes {
				h, err := crypto.HashBackupCode(c)
				if err != nil {
					return err
				}
				fmt.Printf("%s  %s\n", c, h)
			} else {
				fmt.Println(c)
			}
		}
		return nil
	},
}

var encryptCmd = &cobra.Command{
	Use:   "encrypt",
	Short: "Encrypt stdin into a portable envelope",
	Long: `Reads plaintext from stdin and prints a base64 envelope. The key is
derived from the passphrase in the environment variable named by
--key-env (ENCRYPTION_KEY by default; use MASTER_ENCRYPTION_KEY for
session-plane envelopes such as authenticator secrets).`,
	RunE: func(cmd *cobra.Command, args []string) error {
		codec, err := codecFromEnv(keyEnv)
		if err != nil {
			return err
		}
		data, err := io.ReadAll(os.Stdin)
		if err != nil {
			return err
		}
		env, err := codec.EncryptBlob(data)
		if err != nil {
			return err
		}
		fmt.Println(env)
		return nil
	},
}

var decryptCmd = &cobra.Command{
	Use:   "decrypt [envelope]",
	Short: "Decrypt an envelope to stdout",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		codec, err := codecFromEnv(keyEnv)
		if err != nil {
			return err
		}
		var env string
		if len(args) == 1 {
			env = args[0]
		} else {
			raw, err := io.ReadAll(os.Stdin)
			if err != nil {
				return err
			}
			env = strings.TrimSpace(string(raw))
		}
		plain, err := codec.Decrypt(env)
		if err != nil {
			return err
		}
		_, err = os.Stdout.Write(plain)
		return err
	},
}

var totpCmd = &cobra.Command{
	Use:   "totp",
	Short: "Print the current code for a TOTP secret, or a provisioning URI",
	RunE: func(cmd *cobra.Command, args []string) error {
		if totpSecret == "" {
			return fmt.Errorf("--secret is required")
		}
		if totpAccount != "" {
			fmt.Println(totp.ProvisionURI(totpAccount, totpIssuer, totpSecret))
			return nil
		}
		code, err := totp.GenerateCode(totpSecret, time.Now().UTC())
		if err != nil {
			return err
		}
		fmt.Println(code)
		return nil
	},
}

var hashPasswordCmd = &cobra.Command{
	Use:   "hash-password",
	Short: "Read a password from stdin and print its Argon2id hash",
	RunE: func(cmd *cobra.Command, args []string) error {
		line, err := bufio.NewReader(os.Stdin).ReadString('\n')
		if err != nil && err != io.EOF {
			return err
		}
		pw := strings.TrimSpace(line)
		if pw == "" {
			return fmt.Errorf("empty password")
		}
		hash, err := auth.HashPassword(auth.DefaultArgon, pw)
		if err != nil {
			return err
		}
		fmt.Println(hash)
		return nil
	},
}

var auditVerifyCmd = &cobra.Command{
	Use:   "audit-verify <file>",
	Short: "Verify the hash chain of an audit log file",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		f, err := os.Open(args[0])
		if err != nil {
			return err
		}
		defer f.Close()
		n, err := audit.VerifyStream(f)
		if err != nil {
			return fmt.Errorf("chain broken after %d entries: %w", n, err)
		}
		fmt.Printf("ok: %d entries\n", n)
		return nil
	},
}

func codecFromEnv(envName string) (*crypto.Codec, error) {
	pass := os.Getenv(envName)
	if pass == "" {
		return nil, fmt.Errorf("%s is not set", envName)
	}
	key, err := crypto.DeriveMasterKey(pass)
	if err != nil {
		return nil, err
	}
	return crypto.NewCodec(key)
}

func init() {
	passcodeCmd.Flags().IntVar(&passcodeDigits, "digits", 6, "passcode length")
	backupCodesCmd.Flags().BoolVar(&withHashes, "hashes", false, "print the storable hash beside each code")
	encryptCmd.Flags().StringVar(&keyEnv, "key-env", "ENCRYPTION_KEY", "environment variable holding the key passphrase")
	decryptCmd.Flags().StringVar(&keyEnv, "key-env", "ENCRYPTION_KEY", "environment variable holding the key passphrase")
	totpCmd.Flags().StringVar(&totpSecret, "secret", "", "base32 TOTP secret")
	totpCmd.Flags().StringVar(&totpAccount, "account", "", "print a provisioning URI for this account instead of a code")
	totpCmd.Flags().StringVar(&totpIssuer, "issuer", "FractOwn Records", "issuer for the provisioning URI")

	rootCmd.AddCommand(tokenCmd, passcodeCmd, backupCodesCmd, encryptCmd, decryptCmd, totpCmd, hashPasswordCmd, auditVerifyCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
