// Package dashboard encodes the page contracts of the Critique dashboard:
// the routes the pages navigate between, the composition each page renders,
// and the view-state reduction for pages gated on the current user. The
// package is pure — it performs no I/O — so the HTTP layer can serve the
// descriptors as JSON and tests can exercise every state directly.
package dashboard

// Route builders. Detail routes are parameterized by opaque identifiers; the
// builders never validate them.

const (
	AnalysesPath     = "/dashboard/analyses"
	NewAnalysisPath  = "/dashboard/analyses/new"
	RepositoriesPath = "/dashboard/repositories"
	RubricsPath      = "/dashboard/rubrics"
	NewRubricPath    = "/dashboard/rubrics/new"
)

func AnalysisDetailPath(analysisID string) string {
	return AnalysesPath + "/" + analysisID
}

func RubricDetailPath(rubricID string) string {
	return RubricsPath + "/" + rubricID
}

// ViewerState is the resolution state of the current-user lookup. It is a
// three-valued tagged variant so callers must handle all states explicitly
// instead of testing a user pointer against nil.
type ViewerState string

const (
	ViewerPending ViewerState = "pending"
	ViewerAbsent  ViewerState = "absent"
	ViewerPresent ViewerState = "present"
)

// User is the resolved current user as the dashboard pages see it.
type User struct {
	ID    string `json:"id"`
	Name  string `json:"name"`
	Email string `json:"email,omitempty"`
	Role  string `json:"role,omitempty"`
}

// Viewer carries the three-state current-user resolution. User is non-nil
// exactly when State is ViewerPresent.
type Viewer struct {
	State ViewerState `json:"state"`
	User  *User       `json:"user,omitempty"`
}

func PendingViewer() Viewer {
	return Viewer{State: ViewerPending}
}

func AbsentViewer() Viewer {
	return Viewer{State: ViewerAbsent}
}

func PresentViewer(user User) Viewer {
	return Viewer{State: ViewerPresent, User: &user}
}

// Action is a navigation target rendered as a button or link.
type Action struct {
	Label string `json:"label"`
	To    string `json:"to"`
}

// HistoryBrowserConfig configures the embedded analyses history browser.
type HistoryBrowserConfig struct {
	ShowFilters bool     `json:"showFilters"`
	Filters     []string `json:"filters,omitempty"`
}

// AnalysesPageView is the composition of the analyses page: a static header,
// a "New Analysis" action, and the history browser with filters enabled.
type AnalysesPageView struct {
	Title          string               `json:"title"`
	NewAnalysis    Action               `json:"newAnalysis"`
	HistoryBrowser HistoryBrowserConfig `json:"historyBrowser"`
}

func AnalysesPage() AnalysesPageView {
	return AnalysesPageView{
		Title:       "Analyses",
		NewAnalysis: Action{Label: "New Analysis", To: NewAnalysisPath},
		HistoryBrowser: HistoryBrowserConfig{
			ShowFilters: true,
			Filters:     []string{"repository", "rubric", "status", "requester"},
		},
	}
}

// SelectAnalysis is the history browser's selection callback: choosing an
// analysis navigates to its detail route.
func SelectAnalysis(analysisID string) string {
	return AnalysisDetailPath(analysisID)
}

// StartNewAnalysis is the history browser's start-new callback.
func StartNewAnalysis() string {
	return NewAnalysisPath
}

// Panel is one labeled region of a two-panel page.
type Panel struct {
	Kind   string   `json:"kind"`
	Title  string   `json:"title"`
	Fields []string `json:"fields,omitempty"`
}

// RepositoriesPageView is the repositories page: a connection form beside the
// connected-repositories list. Pure composition, no page-local state.
type RepositoriesPageView struct {
	Title       string `json:"title"`
	ConnectForm Panel  `json:"connectForm"`
	List        Panel  `json:"list"`
}

func RepositoriesPage() RepositoriesPageView {
	return RepositoriesPageView{
		Title: "Repositories",
		ConnectForm: Panel{
			Kind:   "repository-connect-form",
			Title:  "Connect a repository",
			Fields: []string{"name", "url", "defaultBranch"},
		},
		List: Panel{
			Kind:  "repository-list",
			Title: "Connected repositories",
		},
	}
}

// New-rubric page states, one per viewer resolution state.
const (
	RubricPageLoading   = "loading"
	RubricPageSignedOut = "signed_out"
	RubricPageForm      = "form"
)

// RubricFormView is the creation form shown to an authenticated user. The
// form is owned by the viewer and carries both navigation callbacks as
// routes: BackTo for abandoning, SavedTo as the template the saved-rubric ID
// is substituted into.
type RubricFormView struct {
	OwnerID string `json:"ownerId"`
	BackTo  string `json:"backTo"`
	SavedTo string `json:"savedTo"`
}

// NewRubricPageView is the reduced view of the new-rubric page. Exactly one
// of Loading, SignInPrompt, or Form is populated, keyed by State.
type NewRubricPageView struct {
	State        string          `json:"state"`
	Loading      bool            `json:"loading,omitempty"`
	SignInPrompt string          `json:"signInPrompt,omitempty"`
	Form         *RubricFormView `json:"form,omitempty"`
}

// NewRubricPage reduces the viewer resolution to the page's render state:
// pending shows only a loading indicator, absent shows the sign-in prompt,
// and present shows the form owned by the viewer.
func NewRubricPage(viewer Viewer) NewRubricPageView {
	switch viewer.State {
	case ViewerPresent:
		ownerID := ""
		if viewer.User != nil {
			ownerID = viewer.User.ID
		}
		return NewRubricPageView{
			State: RubricPageForm,
			Form: &RubricFormView{
				OwnerID: ownerID,
				BackTo:  RubricsPath,
				SavedTo: RubricsPath + "/{rubricId}",
			},
		}
	case ViewerAbsent:
		return NewRubricPageView{
			State:        RubricPageSignedOut,
			SignInPrompt: "Sign in to create a rubric.",
		}
	default:
		return NewRubricPageView{State: RubricPageLoading, Loading: true}
	}
}

// RubricSaved is the form's saved callback: a rubric saved with the given ID
// navigates to its detail route.
func RubricSaved(rubricID string) string {
	return RubricDetailPath(rubricID)
}

// BackToRubrics is the form's back callback.
func BackToRubrics() string {
	return RubricsPath
}
