// Package secrets resolves startup secrets from flags, environment or SSM.
package secrets

import (
	"context"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ssm"

	"github.com/keithlinneman/academy-api/internal/xerrors"
)

// SSMAPI is the subset of the SSM client used here.
type SSMAPI interface {
	GetParameter(ctx context.Context, in *ssm.GetParameterInput, optFns ...func(*ssm.Options)) (*ssm.GetParameterOutput, error)
}

// FetchParameter reads a (SecureString) parameter with decryption.
func FetchParameter(ctx context.Context, client SSMAPI, name string) (string, error) {
	out, err := client.GetParameter(ctx, &ssm.GetParameterInput{
		Name:           aws.String(name),
		WithDecryption: aws.Bool(true),
	})
	if err != nil {
		return "", xerrors.Wrapf(err, "get SSM parameter %s", name)
	}
	if out.Parameter == nil || out.Parameter.Value == nil {
		return "", xerrors.Newf("SSM parameter %s has no value", name)
	}
	v := strings.TrimSpace(*out.Parameter.Value)
	if v == "" {
		return "", xerrors.Newf("SSM parameter %s is empty", name)
	}
	return v, nil
}

// Resolve returns literal when set, otherwise the value of param from SSM.
// client may be nil when param is empty.
func Resolve(ctx context.Context, client SSMAPI, literal, param string) (string, error) {
	if literal != "" {
		return literal, nil
	}
	if param == "" {
		return "", xerrors.New("no secret value or SSM parameter configured")
	}
	if client == nil {
		return "", xerrors.Newf("SSM parameter %s configured without an SSM client", param)
	}
	return FetchParameter(ctx, client, param)
}
