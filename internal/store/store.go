// ABOUTME: Store interface and record types for the local social-network cache
// ABOUTME: Defines Account, Status, Timeline, Filter and join shapes plus sentinel errors

package store

import (
	"context"
	"encoding/json"
	"errors"
	"time"
)

var (
	// ErrNotFound is returned by single-entity getters when the row is not cached.
	// Collection reads return empty results instead.
	ErrNotFound = errors.New("not found")

	// ErrConstraint wraps a constraint failure raised by SQLite during a write
	// (foreign key, NOT NULL, CHECK or UNIQUE).
	ErrConstraint = errors.New("constraint violation")

	// ErrBusy wraps a lock timeout. The whole logical operation was rolled
	// back and may be retried.
	ErrBusy = errors.New("database busy")

	// ErrInvalidTimeline is returned when a timeline's kind and fields disagree.
	ErrInvalidTimeline = errors.New("invalid timeline")

	// ErrMigration wraps any failure while applying a schema migration.
	ErrMigration = errors.New("migration failed")
)

// Table names, also used as observation keys.
const (
	TableAccounts              = "accounts"
	TableStatuses              = "statuses"
	TableTimelines             = "timelines"
	TableTimelineStatuses      = "timeline_statuses"
	TableLoadMoreMarkers       = "load_more_markers"
	TableStatusAncestors       = "status_ancestors"
	TableStatusDescendants     = "status_descendants"
	TableAccountPinnedStatuses = "account_pinned_statuses"
	TableAccountLists          = "account_lists"
	TableAccountListMembers    = "account_list_members"
	TableFilters               = "filters"
)

// Tables lists every cache table in dependency order.
var Tables = []string{
	TableAccounts,
	TableStatuses,
	TableTimelines,
	TableTimelineStatuses,
	TableLoadMoreMarkers,
	TableStatusAncestors,
	TableStatusDescendants,
	TableAccountPinnedStatuses,
	TableAccountLists,
	TableAccountListMembers,
	TableFilters,
}

// Account is a cached remote account.
// Fields and Emojis are stored verbatim; the store never decodes them.
type Account struct {
	ID             string
	Username       string
	Acct           string
	DisplayName    string
	Locked         bool
	CreatedAt      time.Time
	FollowersCount int
	FollowingCount int
	StatusesCount  int
	Note           string
	URL            string
	Avatar         string
	AvatarStatic   string
	Header         string
	HeaderStatic   string
	Fields         json.RawMessage
	Emojis         json.RawMessage
	Bot            bool
	Discoverable   *bool
	MovedID        *string // soft reference to the account this one relocated to
}

// Visibility of a status as declared by the server.
type Visibility string

const (
	VisibilityPublic   Visibility = "public"
	VisibilityUnlisted Visibility = "unlisted"
	VisibilityPrivate  Visibility = "private"
	VisibilityDirect   Visibility = "direct"
)

// Status is a cached post. AccountID must reference a cached Account.
type Status struct {
	ID                 string
	URI                string
	CreatedAt          time.Time
	AccountID          string
	Content            string
	Visibility         Visibility
	Sensitive          bool
	SpoilerText        string
	MediaAttachments   json.RawMessage
	Mentions           json.RawMessage
	Tags               json.RawMessage
	Emojis             json.RawMessage
	ReblogsCount       int
	FavouritesCount    int
	RepliesCount       int
	Application        json.RawMessage // optional
	URL                *string
	InReplyToID        *string // soft reference, parent may be absent
	InReplyToAccountID *string // soft reference
	ReblogID           *string
	Poll               json.RawMessage // optional
	Card               json.RawMessage // optional
	Language           *string
	Text               *string

	// Viewer state, local only.
	Favourited bool
	Reblogged  bool
	Muted      bool
	Bookmarked bool
	Pinned     *bool
}

// StatusBundle is a status together with its author and, for boosts, the
// boosted status. It is both the ingest shape and the read shape.
type StatusBundle struct {
	Status  Status
	Account Account
	Reblog  *StatusBundle
}

// LoadMore marks a gap in a timeline: more content exists after AfterStatusID
// that has not been fetched yet.
type LoadMore struct {
	TimelineID    string
	AfterStatusID string
}

// TimelineItem is one entry of a timeline read. Exactly one field is set.
type TimelineItem struct {
	Status *StatusBundle
	Gap    *LoadMore
}

// Cursor positions a timeline page strictly before the given status.
type Cursor struct {
	CreatedAt time.Time
	StatusID  string
}

// Page bounds a timeline read. A zero Limit means no limit.
type Page struct {
	Limit  int
	Before *Cursor
}

// PositionHint tells AppendStatuses how a page relates to existing gaps.
type PositionHint struct {
	FilledGap string // anchor of a gap this page fills; the marker is cleared
	NextGap   string // anchor after which content is still missing; a marker is recorded
}

// Thread is the reply context around a status.
type Thread struct {
	Status      *StatusBundle
	Ancestors   []StatusBundle
	Descendants []StatusBundle
}

// FilterContext is a scope a content filter applies to.
type FilterContext string

const (
	FilterContextHome          FilterContext = "home"
	FilterContextNotifications FilterContext = "notifications"
	FilterContextPublic        FilterContext = "public"
	FilterContextThread        FilterContext = "thread"
	FilterContextAccount       FilterContext = "account"
)

// Filter is a content-filter rule.
type Filter struct {
	ID           string
	Phrase       string
	Context      []FilterContext
	ExpiresAt    *time.Time
	Irreversible bool
	WholeWord    bool
}

// Expired reports whether the filter has lapsed at now.
func (f Filter) Expired(now time.Time) bool {
	return f.ExpiresAt != nil && !f.ExpiresAt.After(now)
}

// AppliesTo reports whether the filter covers the given context.
func (f Filter) AppliesTo(c FilterContext) bool {
	for _, fc := range f.Context {
		if fc == c {
			return true
		}
	}
	return false
}

// Store is the full read/write surface of the cache.
type Store interface {
	// Accounts
	UpsertAccount(ctx context.Context, account *Account) error
	UpsertAccounts(ctx context.Context, accounts []Account) error
	GetAccount(ctx context.Context, id string) (*Account, error)
	MovedAccount(ctx context.Context, id string) (*Account, error)
	DeleteAccount(ctx context.Context, id string) error

	// Statuses
	UpsertStatus(ctx context.Context, status *Status) error
	UpsertStatuses(ctx context.Context, bundles []StatusBundle) error
	GetStatus(ctx context.Context, id string) (*StatusBundle, error)
	ReblogOf(ctx context.Context, id string) (*StatusBundle, error)
	InReplyTo(ctx context.Context, id string) (*StatusBundle, error)
	DeleteStatus(ctx context.Context, id string) error

	// Timelines and pagination
	SaveTimeline(ctx context.Context, timeline Timeline) error
	GetTimeline(ctx context.Context, id string) (*Timeline, error)
	DeleteTimeline(ctx context.Context, id string) error
	ReplaceLists(ctx context.Context, lists []Timeline) error
	Lists(ctx context.Context) ([]Timeline, error)
	AppendStatuses(ctx context.Context, timeline Timeline, bundles []StatusBundle, hint PositionHint) error
	TimelineStatuses(ctx context.Context, timelineID string, page Page) ([]StatusBundle, error)
	TimelineItems(ctx context.Context, timelineID string, page Page) ([]TimelineItem, error)
	MarkGap(ctx context.Context, timelineID, afterStatusID string) error
	ClearGap(ctx context.Context, timelineID, afterStatusID string) error
	HasGap(ctx context.Context, timelineID, afterStatusID string) (bool, error)
	Gaps(ctx context.Context, timelineID string) ([]LoadMore, error)

	// Threads
	ReplaceThread(ctx context.Context, parent StatusBundle, ancestors, descendants []StatusBundle) error
	Ancestors(ctx context.Context, statusID string) ([]StatusBundle, error)
	Descendants(ctx context.Context, statusID string) ([]StatusBundle, error)
	ThreadContext(ctx context.Context, statusID string) (*Thread, error)

	// Pinned statuses and account lists
	ReplacePinnedStatuses(ctx context.Context, accountID string, bundles []StatusBundle) error
	PinnedStatuses(ctx context.Context, accountID string) ([]StatusBundle, error)
	CreateAccountList(ctx context.Context, accounts []Account) (string, error)
	ReplaceAccountList(ctx context.Context, listID string, accounts []Account) error
	AccountListAccounts(ctx context.Context, listID string) ([]Account, error)
	DeleteAccountList(ctx context.Context, listID string) error

	// Filters
	UpsertFilter(ctx context.Context, filter *Filter) error
	ReplaceFilters(ctx context.Context, filters []Filter) error
	GetFilter(ctx context.Context, id string) (*Filter, error)
	DeleteFilter(ctx context.Context, id string) error
	ActiveFilters(ctx context.Context, now time.Time, filterContext FilterContext) ([]Filter, error)
	DeleteExpiredFilters(ctx context.Context, now time.Time) (int64, error)

	// Maintenance
	AppliedMigrations(ctx context.Context) ([]string, error)
	TableCounts(ctx context.Context) (map[string]int64, error)

	// Close releases any resources held by the store
	Close() error
}
