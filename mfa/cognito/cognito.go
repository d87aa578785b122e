// Package cognito implements the mfa interfaces against Amazon Cognito's
// user pool API: phone-attribute verification for SMS codes and software
// token verification for TOTP codes.
package cognito

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/aws/aws-sdk-go-v2/aws"
	cip "github.com/aws/aws-sdk-go-v2/service/cognitoidentityprovider"
	"github.com/aws/aws-sdk-go-v2/service/cognitoidentityprovider/types"
	"github.com/aws/smithy-go"

	"github.com/stepupauth/stepup-server-go/mfa"
)

const phoneNumberAttribute = "phone_number"

// Cognito MFA setting names as reported by GetUser.
const (
	settingSoftwareToken = "SOFTWARE_TOKEN_MFA"
	settingSMS           = "SMS_MFA"
)

// Client adapts a Cognito identity provider client to the mfa interfaces.
type Client struct {
	api *cip.Client
	log *slog.Logger
}

var (
	_ mfa.Verifier       = (*Client)(nil)
	_ mfa.FactorSelector = (*Client)(nil)
)

// New wraps an already-configured Cognito client.
func New(api *cip.Client, log *slog.Logger) *Client {
	if log == nil {
		log = slog.Default()
	}
	return &Client{api: api, log: log}
}

// VerifyPhoneAttribute checks an SMS code against the caller's phone_number
// attribute. A wrong or expired code is a negative result, not an error.
func (c *Client) VerifyPhoneAttribute(ctx context.Context, accessToken, code string) (mfa.Result, error) {
	_, err := c.api.VerifyUserAttribute(ctx, &cip.VerifyUserAttributeInput{
		AccessToken:   aws.String(accessToken),
		AttributeName: aws.String(phoneNumberAttribute),
		Code:          aws.String(code),
	})
	if err != nil {
		if status, negative := rejectionStatus(err); negative {
			c.log.WarnContext(ctx, "phone attribute verification rejected", slog.String("status", status))
			return mfa.Result{OK: false, Status: status}, nil
		}
		return mfa.Result{}, fmt.Errorf("cognito: verify user attribute: %w", err)
	}
	return mfa.Result{OK: true, Status: "SUCCESS"}, nil
}

// VerifySoftwareToken checks a TOTP code against the caller's registered
// software token.
func (c *Client) VerifySoftwareToken(ctx context.Context, accessToken, code string) (mfa.Result, error) {
	out, err := c.api.VerifySoftwareToken(ctx, &cip.VerifySoftwareTokenInput{
		AccessToken: aws.String(accessToken),
		UserCode:    aws.String(code),
	})
	if err != nil {
		if status, negative := rejectionStatus(err); negative {
			c.log.WarnContext(ctx, "software token verification rejected", slog.String("status", status))
			return mfa.Result{OK: false, Status: status}, nil
		}
		return mfa.Result{}, fmt.Errorf("cognito: verify software token: %w", err)
	}
	status := string(out.Status)
	return mfa.Result{OK: out.Status == types.VerifySoftwareTokenResponseTypeSuccess, Status: status}, nil
}

// PreferredFactor inspects the caller's MFA configuration: explicit
// preference first, then the configured setting list, then a verified phone
// number; with nothing discoverable the client may still try a software
// token.
func (c *Client) PreferredFactor(ctx context.Context, accessToken string) (mfa.Factor, error) {
	user, err := c.api.GetUser(ctx, &cip.GetUserInput{AccessToken: aws.String(accessToken)})
	if err != nil {
		return "", fmt.Errorf("cognito: get user: %w", err)
	}

	switch aws.ToString(user.PreferredMfaSetting) {
	case settingSoftwareToken:
		return mfa.FactorSoftwareToken, nil
	case settingSMS:
		return mfa.FactorSMS, nil
	}
	for _, setting := range user.UserMFASettingList {
		if setting == settingSoftwareToken {
			return mfa.FactorSoftwareToken, nil
		}
	}
	for _, setting := range user.UserMFASettingList {
		if setting == settingSMS {
			return mfa.FactorSMS, nil
		}
	}
	if hasVerifiedPhone(user.UserAttributes) {
		return mfa.FactorSMS, nil
	}
	return mfa.FactorMaybeSoftwareToken, nil
}

// RequestPhoneCode asks Cognito to send an SMS verification code for the
// caller's phone number.
func (c *Client) RequestPhoneCode(ctx context.Context, accessToken string) error {
	_, err := c.api.GetUserAttributeVerificationCode(ctx, &cip.GetUserAttributeVerificationCodeInput{
		AccessToken:   aws.String(accessToken),
		AttributeName: aws.String(phoneNumberAttribute),
	})
	if err != nil {
		var limit *types.LimitExceededException
		if errors.As(err, &limit) {
			return fmt.Errorf("%w: %v", mfa.ErrRateLimited, err)
		}
		return fmt.Errorf("cognito: request phone code: %w", err)
	}
	return nil
}

func hasVerifiedPhone(attrs []types.AttributeType) bool {
	verified, present := false, false
	for _, attr := range attrs {
		switch aws.ToString(attr.Name) {
		case "phone_number_verified":
			verified = aws.ToString(attr.Value) == "true"
		case phoneNumberAttribute:
			present = aws.ToString(attr.Value) != ""
		}
	}
	return verified && present
}

// rejectionStatus classifies a Cognito error as a negative verification
// outcome (wrong, expired or disallowed code) versus an infrastructure
// failure.
func rejectionStatus(err error) (string, bool) {
	var ae smithy.APIError
	if !errors.As(err, &ae) {
		return "", false
	}
	switch ae.ErrorCode() {
	case "CodeMismatchException", "ExpiredCodeException", "EnableSoftwareTokenMFAException", "NotAuthorizedException":
		return ae.ErrorCode(), true
	}
	return "", false
}
