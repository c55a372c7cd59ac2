package main

import (
	"context"
	"encoding/hex"
	"fmt"
	"log"
	"log/slog"
	"os"
	"time"

	"github.com/joho/godotenv"
	"github.com/urfave/cli/v2"

	"github.com/eatyourpeas/checktick-sub000/cmd/flags"
	"github.com/eatyourpeas/checktick-sub000/interfaces"
	"github.com/eatyourpeas/checktick-sub000/kms"
	"github.com/eatyourpeas/checktick-sub000/recovery"
	"github.com/eatyourpeas/checktick-sub000/registry"
	"github.com/eatyourpeas/checktick-sub000/repository"
	"github.com/eatyourpeas/checktick-sub000/storage"
)

var flagVersionID = &cli.StringFlag{
	Name:     "version-id",
	Required: true,
	Usage:    "platform key version identifier, for example v2",
}
var flagNotes = &cli.StringFlag{
	Name:  "notes",
	Usage: "free-form notes recorded on the key version",
}
var flagShare = &cli.StringSliceFlag{
	Name:  "share",
	Usage: "custodian share in 80{i}-{i}-{hex} format, repeat per custodian",
}
var flagCustodianHex = &cli.StringFlag{
	Name:  "custodian-hex",
	Usage: "custodian component as 128 hex characters",
}
var flagExpectHex = &cli.StringFlag{
	Name:  "expect-hex",
	Usage: "expected reconstruction result as hex, checked without printing the secret",
}
var flagUserID = &cli.Int64Flag{
	Name:     "user",
	Required: true,
	Usage:    "numeric user id",
}
var flagSurveyID = &cli.Int64Flag{
	Name:     "survey",
	Required: true,
	Usage:    "numeric survey id",
}
var flagEmail = &cli.StringFlag{
	Name:  "email",
	Usage: "user email address",
}
var flagKEKHex = &cli.StringFlag{
	Name:     "kek-hex",
	Required: true,
	Usage:    "survey key-encryption-key as hex",
}
var flagOrgID = &cli.Int64Flag{
	Name:     "org",
	Required: true,
	Usage:    "numeric organization id",
}
var flagPassphrase = &cli.StringFlag{
	Name:     "passphrase",
	Required: true,
	EnvVars:  []string{"ORG_OWNER_PASSPHRASE"},
	Usage:    "organization owner's passphrase",
}
var flagRequestedBy = &cli.StringFlag{
	Name:     "requested-by",
	Required: true,
	Usage:    "account name of the user requesting recovery",
}
var flagAdminID = &cli.StringFlag{
	Name:     "admin",
	Required: true,
	Usage:    "identifier of the acting administrator",
}
var flagRequestID = &cli.StringFlag{
	Name:     "request",
	Required: true,
	Usage:    "recovery request id",
}
var flagReason = &cli.StringFlag{
	Name:  "reason",
	Usage: "reason recorded with a rejection",
}
var flagNewPassword = &cli.StringFlag{
	Name:  "new-password",
	Usage: "when set, the recovered key is re-wrapped under this password",
}

func main() {
	godotenv.Load()

	app := &cli.App{
		Name:  "keyops operator",
		Usage: "operate the platform key hierarchy and emergency recovery workflow",
		Flags: append([]cli.Flag{
			flags.LogServiceFlagFn("keyops-operator"),
			flags.ThresholdFlag,
			flags.TotalSharesFlag,
			flags.DelayHoursFlag,
		}, flags.CommonFlags...),
		Commands: []*cli.Command{
			{
				Name:        "create-version",
				Usage:       "create a new platform key version and print its custodian shares",
				Flags:       []cli.Flag{flagVersionID, flagNotes},
				Description: "Generates a fresh platform master key, records the vault component on an inactive version and splits the custodian component into shares. The version takes effect only after activate-version.",
				Action:      runCreateVersion,
			},
			{
				Name:   "activate-version",
				Usage:  "activate a key version, retiring the previously active one",
				Flags:  []cli.Flag{flagVersionID},
				Action: runActivateVersion,
			},
			{
				Name:        "rotate-shares",
				Usage:       "re-split the active version's custodian component into fresh shares",
				Flags:       []cli.Flag{flagShare},
				Description: "Reconstructs the custodian component from the provided shares, re-randomizes the vault/custodian split so the platform master key is unchanged, and prints a new set of shares. Old shares stop working immediately.",
				Action:      runRotateShares,
			},
			{
				Name:        "rotate-platform-key",
				Usage:       "create and activate a key version with a brand new platform master key",
				Flags:       []cli.Flag{flagVersionID, flagNotes},
				Description: "Data wrapped under earlier versions stays readable through those versions until re-encrypted.",
				Action:      runRotatePlatformKey,
			},
			{
				Name:   "split-custodian",
				Usage:  "split a custodian component into shares without touching any store",
				Flags:  []cli.Flag{flagCustodianHex},
				Action: runSplitCustodian,
			},
			{
				Name:   "test-reconstruct",
				Usage:  "check that a set of shares reconstructs correctly",
				Flags:  []cli.Flag{flagShare, flagExpectHex},
				Action: runTestReconstruct,
			},
			{
				Name:   "escrow-kek",
				Usage:  "escrow a user's survey KEK for emergency recovery",
				Flags:  []cli.Flag{flagUserID, flagSurveyID, flagKEKHex, flagEmail, flagShare},
				Action: runEscrowKEK,
			},
			{
				Name:        "wrap-org-kek",
				Usage:       "wrap a survey KEK under an organization key at the org-tier path",
				Flags:       []cli.Flag{flagOrgID, flagSurveyID, flagKEKHex, flagPassphrase, flagShare},
				Description: "Derives the organization key from the platform master key and the owner's passphrase, then stores the wrapped KEK at the organization's survey path.",
				Action:      runWrapOrgKEK,
			},
			{
				Name:   "verify-identity",
				Usage:  "check a claimed email against the escrowed identity record",
				Flags:  []cli.Flag{flagUserID, flagEmail, flagShare},
				Action: runVerifyIdentity,
			},
			{
				Name:   "submit-request",
				Usage:  "open a recovery request for a user's survey KEK",
				Flags:  []cli.Flag{flagUserID, flagSurveyID, flagRequestedBy},
				Action: runSubmitRequest,
			},
			{
				Name:   "verify-request",
				Usage:  "record identity verification on a received request",
				Flags:  []cli.Flag{flagRequestID, flagAdminID, flagNotes},
				Action: runVerifyRequest,
			},
			{
				Name:   "approve-primary",
				Usage:  "record the first administrator approval",
				Flags:  []cli.Flag{flagRequestID, flagAdminID},
				Action: runApprovePrimary,
			},
			{
				Name:   "approve-secondary",
				Usage:  "record the second administrator approval and start the time delay",
				Flags:  []cli.Flag{flagRequestID, flagAdminID},
				Action: runApproveSecondary,
			},
			{
				Name:   "mark-ready",
				Usage:  "move a request whose delay has elapsed to ready for execution",
				Flags:  []cli.Flag{flagRequestID},
				Action: runMarkReady,
			},
			{
				Name:   "reject-request",
				Usage:  "reject a pending request",
				Flags:  []cli.Flag{flagRequestID, flagAdminID, flagReason},
				Action: runRejectRequest,
			},
			{
				Name:   "cancel-request",
				Usage:  "cancel a pending request",
				Flags:  []cli.Flag{flagRequestID, flagAdminID},
				Action: runCancelRequest,
			},
			{
				Name:   "execute-request",
				Usage:  "execute an approved request using custodian shares",
				Flags:  []cli.Flag{flagRequestID, flagAdminID, flagShare, flagNewPassword},
				Action: runExecuteRequest,
			},
		},
	}

	if err := app.Run(os.Args); err != nil {
		log.Fatal(err)
	}
}

// services bundles the wired-up components behind the CLI commands.
type services struct {
	split    *kms.SplitKeyStore
	escrow   *kms.SurveyKekEscrow
	registry *registry.KeyVersionRegistry
	workflow *recovery.Workflow
	log      *slog.Logger
}

func setup(cCtx *cli.Context) (*services, error) {
	logger := flags.SetupLogger(cCtx)

	store, err := storage.NewStoreFactory(logger).StoreFor(cCtx.String(flags.StoreURIFlag.Name))
	if err != nil {
		return nil, fmt.Errorf("failed to create secret store: %w", err)
	}

	var (
		versions interfaces.KeyVersionRepository
		escrows  interfaces.EscrowRepository
		requests interfaces.RecoveryRequestRepository
	)
	if dsn := cCtx.String(flags.DatabaseURLFlag.Name); dsn != "" {
		pool, err := repository.Connect(cCtx.Context, dsn)
		if err != nil {
			return nil, err
		}
		if err := repository.InitSchema(cCtx.Context, pool); err != nil {
			return nil, err
		}
		versions = repository.NewPostgresKeyVersions(pool)
		escrows = repository.NewPostgresEscrows(pool)
		requests = repository.NewPostgresRequests(pool)
	} else {
		logger.Warn("No database configured, using in-memory repositories")
		versions = repository.NewMemoryKeyVersions()
		escrows = repository.NewMemoryEscrows()
		requests = repository.NewMemoryRequests()
	}

	split := kms.NewSplitKeyStore(store, logger)
	escrow := kms.NewSurveyKekEscrow(store, split, escrows, versions, logger)
	reg := registry.NewKeyVersionRegistry(versions, split, logger)
	delay := time.Duration(cCtx.Int64(flags.DelayHoursFlag.Name)) * time.Hour
	wf := recovery.NewWorkflow(requests, escrow, delay, logger)

	return &services{split: split, escrow: escrow, registry: reg, workflow: wf, log: logger}, nil
}

func runCreateVersion(cCtx *cli.Context) error {
	svc, err := setup(cCtx)
	if err != nil {
		return err
	}

	vaultComponent, err := kms.GenerateComponent()
	if err != nil {
		return err
	}
	custodianComponent, err := kms.GenerateComponent()
	if err != nil {
		return err
	}
	defer kms.Zeroize(custodianComponent)

	version, err := svc.registry.CreateVersion(cCtx.Context, cCtx.String(flagVersionID.Name), vaultComponent, cCtx.String(flagNotes.Name))
	if err != nil {
		return err
	}

	fmt.Printf("Created version %s (inactive)\n", version.VersionID)
	return printShares(cCtx, custodianComponent)
}

func runActivateVersion(cCtx *cli.Context) error {
	svc, err := setup(cCtx)
	if err != nil {
		return err
	}

	versionID := cCtx.String(flagVersionID.Name)
	if err := svc.registry.Activate(cCtx.Context, versionID); err != nil {
		return err
	}
	fmt.Printf("Version %s is now active\n", versionID)
	return nil
}

func runRotateShares(cCtx *cli.Context) error {
	svc, err := setup(cCtx)
	if err != nil {
		return err
	}

	custodianComponent, err := reconstructCustodian(cCtx)
	if err != nil {
		return err
	}
	defer kms.Zeroize(custodianComponent)

	newCustodian, err := svc.registry.RotateShares(cCtx.Context, custodianComponent)
	if err != nil {
		return err
	}
	defer kms.Zeroize(newCustodian)

	fmt.Println("Shares rotated. Distribute the new shares and destroy the old ones.")
	return printShares(cCtx, newCustodian)
}

func runRotatePlatformKey(cCtx *cli.Context) error {
	svc, err := setup(cCtx)
	if err != nil {
		return err
	}

	custodianComponent, version, err := svc.registry.RotatePlatformKey(cCtx.Context, cCtx.String(flagVersionID.Name), cCtx.String(flagNotes.Name))
	if err != nil {
		return err
	}
	defer kms.Zeroize(custodianComponent)

	fmt.Printf("Version %s created and activated\n", version.VersionID)
	return printShares(cCtx, custodianComponent)
}

func runSplitCustodian(cCtx *cli.Context) error {
	custodianComponent, err := hex.DecodeString(cCtx.String(flagCustodianHex.Name))
	if err != nil {
		return fmt.Errorf("invalid custodian hex: %w", err)
	}
	defer kms.Zeroize(custodianComponent)

	return printShares(cCtx, custodianComponent)
}

func runTestReconstruct(cCtx *cli.Context) error {
	secret, err := reconstructCustodian(cCtx)
	if err != nil {
		return err
	}
	defer kms.Zeroize(secret)

	if expect := cCtx.String(flagExpectHex.Name); expect != "" {
		if hex.EncodeToString(secret) != expect {
			return fmt.Errorf("reconstruction mismatch: %w", interfaces.ErrAuthenticationFailure)
		}
		fmt.Println("Reconstruction matches the expected value")
		return nil
	}

	fmt.Printf("Reconstructed secret: %s\n", hex.EncodeToString(secret))
	return nil
}

func runEscrowKEK(cCtx *cli.Context) error {
	svc, err := setup(cCtx)
	if err != nil {
		return err
	}

	kek, err := hex.DecodeString(cCtx.String(flagKEKHex.Name))
	if err != nil {
		return fmt.Errorf("invalid KEK hex: %w", err)
	}
	defer kms.Zeroize(kek)

	custodianComponent, err := reconstructCustodian(cCtx)
	if err != nil {
		return err
	}
	defer kms.Zeroize(custodianComponent)

	path, err := svc.escrow.EscrowUserSurveyKEK(cCtx.Context,
		cCtx.Int64(flagUserID.Name), cCtx.Int64(flagSurveyID.Name),
		kek, cCtx.String(flagEmail.Name), custodianComponent)
	if err != nil {
		return err
	}
	fmt.Printf("KEK escrowed at %s\n", path)
	return nil
}

func runWrapOrgKEK(cCtx *cli.Context) error {
	svc, err := setup(cCtx)
	if err != nil {
		return err
	}

	kek, err := hex.DecodeString(cCtx.String(flagKEKHex.Name))
	if err != nil {
		return fmt.Errorf("invalid KEK hex: %w", err)
	}
	defer kms.Zeroize(kek)

	custodianComponent, err := reconstructCustodian(cCtx)
	if err != nil {
		return err
	}
	defer kms.Zeroize(custodianComponent)

	platformKey, err := svc.split.PlatformMasterKey(cCtx.Context, custodianComponent)
	if err != nil {
		return err
	}
	orgKey := kms.DeriveOrganizationKey(cCtx.Int64(flagOrgID.Name), cCtx.String(flagPassphrase.Name), platformKey)
	kms.Zeroize(platformKey)
	defer kms.Zeroize(orgKey)

	path := interfaces.OrgSurveyKEKPath(cCtx.Int64(flagOrgID.Name), cCtx.Int64(flagSurveyID.Name))
	if _, err := svc.escrow.EncryptAndStore(cCtx.Context, kek, orgKey, path); err != nil {
		return err
	}
	fmt.Printf("KEK wrapped at %s\n", path)
	return nil
}

func runVerifyIdentity(cCtx *cli.Context) error {
	svc, err := setup(cCtx)
	if err != nil {
		return err
	}

	custodianComponent, err := reconstructCustodian(cCtx)
	if err != nil {
		return err
	}
	defer kms.Zeroize(custodianComponent)

	ok, err := svc.escrow.VerifyUserIdentityEmail(cCtx.Context,
		cCtx.Int64(flagUserID.Name), cCtx.String(flagEmail.Name), custodianComponent)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("email does not match the escrowed identity record")
	}
	fmt.Println("Email matches the escrowed identity record")
	return nil
}

func runSubmitRequest(cCtx *cli.Context) error {
	svc, err := setup(cCtx)
	if err != nil {
		return err
	}

	req, err := svc.workflow.Submit(cCtx.Context,
		cCtx.Int64(flagUserID.Name), cCtx.Int64(flagSurveyID.Name), cCtx.String(flagRequestedBy.Name))
	if err != nil {
		return err
	}
	fmt.Printf("Request %s submitted, reference code %s\n", req.ID, req.RequestCode)
	return nil
}

func runVerifyRequest(cCtx *cli.Context) error {
	return withWorkflow(cCtx, func(ctx context.Context, wf *recovery.Workflow) error {
		return wf.MarkIdentityVerified(ctx, cCtx.String(flagRequestID.Name), cCtx.String(flagAdminID.Name), cCtx.String(flagNotes.Name))
	})
}

func runApprovePrimary(cCtx *cli.Context) error {
	return withWorkflow(cCtx, func(ctx context.Context, wf *recovery.Workflow) error {
		return wf.ApprovePrimary(ctx, cCtx.String(flagRequestID.Name), cCtx.String(flagAdminID.Name))
	})
}

func runApproveSecondary(cCtx *cli.Context) error {
	return withWorkflow(cCtx, func(ctx context.Context, wf *recovery.Workflow) error {
		return wf.ApproveSecondary(ctx, cCtx.String(flagRequestID.Name), cCtx.String(flagAdminID.Name))
	})
}

func runMarkReady(cCtx *cli.Context) error {
	return withWorkflow(cCtx, func(ctx context.Context, wf *recovery.Workflow) error {
		return wf.MarkReady(ctx, cCtx.String(flagRequestID.Name))
	})
}

func runRejectRequest(cCtx *cli.Context) error {
	return withWorkflow(cCtx, func(ctx context.Context, wf *recovery.Workflow) error {
		return wf.Reject(ctx, cCtx.String(flagRequestID.Name), cCtx.String(flagAdminID.Name), cCtx.String(flagReason.Name))
	})
}

func runCancelRequest(cCtx *cli.Context) error {
	return withWorkflow(cCtx, func(ctx context.Context, wf *recovery.Workflow) error {
		return wf.Cancel(ctx, cCtx.String(flagRequestID.Name), cCtx.String(flagAdminID.Name))
	})
}

func runExecuteRequest(cCtx *cli.Context) error {
	svc, err := setup(cCtx)
	if err != nil {
		return err
	}

	kek, err := svc.workflow.Execute(cCtx.Context,
		cCtx.String(flagRequestID.Name), cCtx.StringSlice(flagShare.Name),
		cCtx.String(flagAdminID.Name), cCtx.String(flagNewPassword.Name))
	if err != nil {
		return err
	}
	defer kms.Zeroize(kek)

	fmt.Printf("Recovered KEK: %s\n", hex.EncodeToString(kek))
	return nil
}

func withWorkflow(cCtx *cli.Context, fn func(context.Context, *recovery.Workflow) error) error {
	svc, err := setup(cCtx)
	if err != nil {
		return err
	}
	if err := fn(cCtx.Context, svc.workflow); err != nil {
		return err
	}
	fmt.Println("OK")
	return nil
}

func reconstructCustodian(cCtx *cli.Context) ([]byte, error) {
	shares := cCtx.StringSlice(flagShare.Name)
	if len(shares) == 0 {
		return nil, fmt.Errorf("at least one --share is required")
	}
	return kms.ReconstructSecret(shares)
}

func printShares(cCtx *cli.Context, secret []byte) error {
	threshold := cCtx.Int(flags.ThresholdFlag.Name)
	total := cCtx.Int(flags.TotalSharesFlag.Name)

	shares, err := kms.SplitSecret(secret, threshold, total)
	if err != nil {
		return err
	}

	fmt.Printf("Custodian shares (%d of %d required):\n", threshold, total)
	for _, share := range shares {
		fmt.Println(share)
	}
	return nil
}
