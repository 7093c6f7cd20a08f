package archive

import (
	"context"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/kms"
	kmstypes "github.com/aws/aws-sdk-go-v2/service/kms/types"

	"github.com/keithlinneman/academy-api/internal/xerrors"
)

// KMSAPI is the subset of the KMS client used to check the archive key.
type KMSAPI interface {
	DescribeKey(ctx context.Context, in *kms.DescribeKeyInput, optFns ...func(*kms.Options)) (*kms.DescribeKeyOutput, error)
}

// CheckKMSKey fails unless keyID names an enabled symmetric encryption key.
// A PutObject with a bad SSE-KMS key fails every archive write, so this runs
// once at startup instead.
func CheckKMSKey(ctx context.Context, client KMSAPI, keyID string) error {
	if client == nil {
		return xerrors.New("archive: kms client is required")
	}
	out, err := client.DescribeKey(ctx, &kms.DescribeKeyInput{KeyId: aws.String(keyID)})
	if err != nil {
		return xerrors.Wrapf(err, "kms describe key %s", keyID)
	}
	md := out.KeyMetadata
	switch {
	case md == nil:
		return xerrors.Newf("kms key %s: no metadata", keyID)
	case md.KeyState != kmstypes.KeyStateEnabled:
		return xerrors.Newf("kms key %s is %s, want Enabled", keyID, md.KeyState)
	case md.KeyUsage != kmstypes.KeyUsageTypeEncryptDecrypt:
		return xerrors.Newf("kms key %s has usage %s, want ENCRYPT_DECRYPT", keyID, md.KeyUsage)
	case md.KeySpec != kmstypes.KeySpecSymmetricDefault:
		return xerrors.Newf("kms key %s has spec %s, S3 needs a symmetric key", keyID, md.KeySpec)
	}
	return nil
}
