package server

import (
	"errors"
	"fmt"
	"time"

	"github.com/SatyaTirumalasetty/fractOwn-sub000/internal/auth"
	"github.com/SatyaTirumalasetty/fractOwn-sub000/internal/crypto"
	"github.com/SatyaTirumalasetty/fractOwn-sub000/internal/storage"
)

type SeedAdmin struct {
	Username string
	Email    string
	Password string
	Roles    []auth.Role
}

type SMTPConfig struct {
	Host     string
	Port     string
	User     string
	Pass     string
	From     string
	Security string

	// ResetURL is the frontend page that consumes reset tokens; the token
	// is appended as a query parameter.
	ResetURL string
}

type Config struct {
	Addr string

	MongoURI          string
	MongoDB           string
	AdminsCollection  string
	RecordsCollection string
	FilesCollection   string
	BlobsCollection   string

	// BlobBackend selects where ciphertext blobs live: "mongo", "s3" or
	// "file". Metadata always goes to Mongo when MongoURI is set.
	BlobBackend string
	BlobDir     string
	S3          storage.S3Config

	// MasterKey protects the session plane: authenticator secrets and the
	// audit seal. FieldKey protects record fields and file content. The
	// two are independent so compromising one plane does not open the
	// other.
	MasterKey string
	FieldKey  string

	JWTIssuer   string
	TokenTTL    time.Duration
	TOTPIssuer  string
	TokenIssuer string

	// EncryptedFields lists the record fields that are envelope-encrypted
	// before a record is persisted.
	EncryptedFields []string

	AuditPath  string
	AlertEmail string

	SMTP       SMTPConfig
	SeedAdmins []SeedAdmin
}

func (c *Config) setDefaults() {
	if c.Addr == "" {
		c.Addr = ":8080"
	}
	if c.AdminsCollection == "" {
		c.AdminsCollection = "admins"
	}
	if c.RecordsCollection == "" {
		c.RecordsCollection = "records"
	}
	if c.FilesCollection == "" {
		c.FilesCollection = "files"
	}
	if c.BlobsCollection == "" {
		c.BlobsCollection = "blobs"
	}
	if c.BlobBackend == "" {
		c.BlobBackend = "mongo"
	}
	if c.BlobDir == "" {
		c.BlobDir = "./blobs"
	}
	if c.JWTIssuer == "" {
		c.JWTIssuer = "fractown-security"
	}
	if c.TokenTTL <= 0 {
		c.TokenTTL = 15 * time.Minute
	}
	if c.TOTPIssuer == "" {
		c.TOTPIssuer = "FractOwn Records"
	}
	if c.TokenIssuer == "" {
		c.TokenIssuer = "fractown-security"
	}
	if len(c.EncryptedFields) == 0 {
		c.EncryptedFields = []string{"owner_ssn", "owner_tax_id", "bank_account", "contact_phone"}
	}
	if c.SMTP.Security == "" {
		c.SMTP.Security = "starttls"
	}
	if c.SMTP.ResetURL == "" {
		c.SMTP.ResetURL = "http://localhost:5173/reset-password"
	}
}

// validate rejects configurations the process must not start with. Key
// material that is absent or too short is fatal, never a warning.
func (c *Config) validate() error {
	if len(c.MasterKey) < crypto.MinPassphraseLen {
		return fmt.Errorf("config: MASTER_ENCRYPTION_KEY must be at least %d characters", crypto.MinPassphraseLen)
	}
	if len(c.FieldKey) < crypto.MinPassphraseLen {
		return fmt.Errorf("config: ENCRYPTION_KEY must be at least %d characters", crypto.MinPassphraseLen)
	}
	if c.MasterKey == c.FieldKey {
		return errors.New("config: MASTER_ENCRYPTION_KEY and ENCRYPTION_KEY must differ")
	}
	switch c.BlobBackend {
	case "mongo", "s3", "file":
	default:
		return fmt.Errorf("config: unknown blob backend %q", c.BlobBackend)
	}
	return nil
}
