package session

import (
	"os/user"
	"strings"

	"github.com/jordanhubbard/unicom/pkg/protocol"
)

// Level is a user's authorization tier.
type Level string

const (
	LevelNormal Level = "Normal"
	LevelAdmin  Level = "Admin"
	LevelRoot   Level = "Root"
)

// AttachedUser is the user a Session has authenticated as.
type AttachedUser struct {
	Name  string `json:"name"`
	Level Level  `json:"level"`
}

// Backend authenticates a username/password pair and reports the level to
// attach. Any failure — unknown user, bad password, lookup error — must
// return NotAllowed, never panic (§9's explicit correction of the source
// behavior, where a missing user paniced on an unwrapped Option).
type Backend interface {
	Authenticate(username, password string) (Level, error)
}

// PasswordVerifier checks a cleartext password against whatever credential
// store backs it. The actual OS shadow-file / PAM verification is the
// external collaborator named in spec.md §1 ("OS password/group lookup") —
// production deployments inject a Verifier that shells out to PAM or reads
// /etc/shadow with appropriate privilege; UnixBackend itself only handles
// the group-membership-to-Level mapping.
type PasswordVerifier func(username, password string) bool

// UnixBackend assigns Admin to members of the "sudo" group and Normal to
// everyone else, per §4.6. Group/user lookup uses os/user (stdlib); the
// actual password check is delegated to Verify.
type UnixBackend struct {
	Verify PasswordVerifier
}

// NewUnixBackend builds a backend; if verify is nil every authentication
// attempt fails closed with NotAllowed rather than silently accepting.
func NewUnixBackend(verify PasswordVerifier) *UnixBackend {
	return &UnixBackend{Verify: verify}
}

func (b *UnixBackend) Authenticate(username, password string) (Level, error) {
	u, err := user.Lookup(username)
	if err != nil {
		return "", protocol.NewError(protocol.ErrNotAllowed, "unknown user %s", username)
	}

	if b.Verify == nil || !b.Verify(username, password) {
		return "", protocol.NewError(protocol.ErrNotAllowed, "invalid credentials for %s", username)
	}

	level := LevelNormal
	if inSudoGroup(u) {
		level = LevelAdmin
	}
	return level, nil
}

func inSudoGroup(u *user.User) bool {
	sudoGroup, err := user.LookupGroup("sudo")
	if err != nil {
		return false
	}
	gids, err := u.GroupIds()
	if err != nil {
		return false
	}
	for _, gid := range gids {
		if gid == sudoGroup.Gid {
			return true
		}
	}
	return false
}

// staticUser is one entry of StaticBackend's credential table, used in tests
// and local/dev deployments where no system password database is reachable.
// The entry holds a bcrypt hash (bcrypt is the same library the teacher's own
// auth.Manager uses for login); passwords are compared against it.
type staticUser struct {
	level Level
	hash  string
}

// StaticBackend authenticates against an in-memory bcrypt-hashed table
// instead of the OS. Grounded on internal/auth.Manager's password map.
type StaticBackend struct {
	users map[string]staticUser
}

// NewStaticBackend builds an empty static credential table.
func NewStaticBackend() *StaticBackend {
	return &StaticBackend{users: make(map[string]staticUser)}
}

// AddUser seeds one credential. hash must be a bcrypt hash (see
// golang.org/x/crypto/bcrypt.GenerateFromPassword).
func (b *StaticBackend) AddUser(username string, level Level, bcryptHash string) {
	b.users[strings.ToLower(username)] = staticUser{level: level, hash: bcryptHash}
}

func (b *StaticBackend) Authenticate(username, password string) (Level, error) {
	u, ok := b.users[strings.ToLower(username)]
	if !ok {
		return "", protocol.NewError(protocol.ErrNotAllowed, "unknown user %s", username)
	}
	if err := compareBcrypt(u.hash, password); err != nil {
		return "", protocol.NewError(protocol.ErrNotAllowed, "invalid credentials for %s", username)
	}
	return u.level, nil
}
