package api

// User is the authenticated user's profile as returned by the backend.
type User struct {
	ID        string `json:"id"`
	Email     string `json:"email"`
	FirstName string `json:"firstName"`
	LastName  string `json:"lastName"`
}

// Credentials is the login request payload.
type Credentials struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

// Registration is the account-creation payload.
type Registration struct {
	Email     string `json:"email"`
	Password  string `json:"password"`
	FirstName string `json:"firstName"`
	LastName  string `json:"lastName"`
}

// LoginResult is the response of a successful login.
type LoginResult struct {
	AccessToken string `json:"access_token"`
	User        User   `json:"user"`
}

// ProfileUpdate is the payload for updating the current user's profile.
type ProfileUpdate struct {
	FirstName string `json:"firstName"`
	LastName  string `json:"lastName"`
}

// Model describes one AI model offered by the backend.
type Model struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description"`
}

// PrepareResult is the response of a prepare-analysis call: the file
// extensions present in the repository, used to build a file mask.
type PrepareResult struct {
	Extensions []string `json:"extensions"`
	RepoName   string   `json:"repoName"`
	Codebase   string   `json:"codebase"`
}

// AnalyzeRequest asks the backend to generate an analysis for a repository.
// IncludedExtensions may be nil to analyze all files.
type AnalyzeRequest struct {
	GithubURL          string   `json:"githubUrl"`
	ModelID            string   `json:"modelId"`
	IncludedExtensions []string `json:"includedExtensions"`
	ContentTypes       []string `json:"contentTypes"`
}

// AnalyzeResult references a staged (not yet saved) analysis. A guest can
// register and then claim the staged result by its TempID.
type AnalyzeResult struct {
	TempID string `json:"tempId"`
}

// Analysis is a saved or staged analysis record.
type Analysis struct {
	ID              string `json:"id"`
	UserID          string `json:"user_id"`
	Name            string `json:"name"`
	Description     string `json:"description,omitempty"`
	Repository      string `json:"repository"`
	ModelUsed       string `json:"modelUsed"`
	AnalysisContent string `json:"analysis_content"`
	SourceCode      string `json:"sourceCode"`
	AnalysisDate    string `json:"analysisDate"`
}

// SaveAnalysisRequest persists an analysis to the user's account. TempID, if
// set, claims a previously staged analysis instead of uploading content.
type SaveAnalysisRequest struct {
	Name            string `json:"name"`
	Description     string `json:"description,omitempty"`
	Repository      string `json:"repository"`
	ModelUsed       string `json:"modelUsed"`
	AnalysisContent string `json:"analysisContent"`
	SourceCode      string `json:"sourceCode"`
	TempID          string `json:"tempId,omitempty"`
}

// ChatPrepareResult is the response of a chat-prepare call.
type ChatPrepareResult struct {
	ChatSessionID string `json:"chatSessionId"`
}

// Chat indexing statuses reported by the backend.
const (
	ChatStatusPreparing = "preparing"
	ChatStatusReady     = "ready"
	ChatStatusError     = "error"
)

// ChatStatusResult is the response of a chat-status poll. Suggestions is
// populated only once Status is "ready".
type ChatStatusResult struct {
	Status      string   `json:"status"`
	Suggestions []string `json:"suggestions,omitempty"`
}
