package model

// AuthIntent は利用者が宣言した認証の意図（サインイン/サインアップ）。
type AuthIntent string

const (
	IntentSignIn AuthIntent = "signin"
	IntentSignUp AuthIntent = "signup"
)

// ParseAuthIntent は文字列をAuthIntentに変換する。未知の値はErrInvalidIntentを返す。
func ParseAuthIntent(s string) (AuthIntent, error) {
	switch AuthIntent(s) {
	case IntentSignIn, IntentSignUp:
		return AuthIntent(s), nil
	default:
		return "", ErrInvalidIntent
	}
}

// Provider はOAuthプロバイダーの識別子。
type Provider string

const (
	ProviderGitHub Provider = "github"
	ProviderGoogle Provider = "google"
)

// ParseProvider は文字列をProviderに変換する。未知の値はErrInvalidProviderを返す。
func ParseProvider(s string) (Provider, error) {
	switch Provider(s) {
	case ProviderGitHub, ProviderGoogle:
		return Provider(s), nil
	default:
		return "", ErrInvalidProvider
	}
}
