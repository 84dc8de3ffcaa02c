package sms_client

import (
	"context"
	"errors"
	"fmt"
	"regexp"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/sns"
	"github.com/aws/aws-sdk-go-v2/service/sns/types"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
)

var (
	// ErrInvalidPhoneNumber is returned for numbers not in E.164 form.
	ErrInvalidPhoneNumber = errors.New("sms: phone number is not in E.164 format")

	// ErrPublishFailed wraps the SNS error of a failed publish.
	ErrPublishFailed = errors.New("sms: publish failed")
)

const (
	attrSMSType  = "AWS.SNS.SMS.SMSType"
	attrSenderID = "AWS.SNS.SMS.SenderID"
)

var e164 = regexp.MustCompile(`^\+[1-9][0-9]{6,14}$`)

// publisher is the part of the SNS client used here.
type publisher interface {
	Publish(ctx context.Context, params *sns.PublishInput, optFns ...func(*sns.Options)) (*sns.PublishOutput, error)
}

// Options configure the SNS sender.
type Options struct {
	Region          string
	AccessKeyID     string
	SecretAccessKey string
	// SMSType is Transactional or Promotional.
	SMSType  string
	SenderID string
	// RatePerSec caps outbound publishes; 0 disables the limit.
	RatePerSec int
	Logger     zerolog.Logger
}

// Client sends SMS through AWS SNS direct publish.
type Client struct {
	api      publisher
	smsType  string
	senderID string
	limiter  *rate.Limiter
	log      zerolog.Logger
}

// New builds an SNS client. Static credentials are used when both keys are
// set, otherwise the default AWS credential chain.
func New(ctx context.Context, opts Options) (*Client, error) {
	loadOpts := []func(*awsconfig.LoadOptions) error{}
	if opts.Region != "" {
		loadOpts = append(loadOpts, awsconfig.WithRegion(opts.Region))
	}
	if opts.AccessKeyID != "" && opts.SecretAccessKey != "" {
		loadOpts = append(loadOpts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(opts.AccessKeyID, opts.SecretAccessKey, ""),
		))
	}

	cfg, err := awsconfig.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	return newClient(sns.NewFromConfig(cfg), opts), nil
}

func newClient(api publisher, opts Options) *Client {
	c := &Client{
		api:      api,
		smsType:  opts.SMSType,
		senderID: opts.SenderID,
		log:      opts.Logger,
	}
	if opts.RatePerSec > 0 {
		c.limiter = rate.NewLimiter(rate.Limit(opts.RatePerSec), opts.RatePerSec)
	}
	return c
}

// Send publishes text to one phone number.
func (c *Client) Send(ctx context.Context, phone, text string) error {
	if !e164.MatchString(phone) {
		return fmt.Errorf("%w: %q", ErrInvalidPhoneNumber, phone)
	}
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return err
		}
	}

	attrs := map[string]types.MessageAttributeValue{}
	if c.smsType != "" {
		attrs[attrSMSType] = types.MessageAttributeValue{
			DataType:    aws.String("String"),
			StringValue: aws.String(c.smsType),
		}
	}
	if c.senderID != "" {
		attrs[attrSenderID] = types.MessageAttributeValue{
			DataType:    aws.String("String"),
			StringValue: aws.String(c.senderID),
		}
	}

	out, err := c.api.Publish(ctx, &sns.PublishInput{
		PhoneNumber:       aws.String(phone),
		Message:           aws.String(text),
		MessageAttributes: attrs,
	})
	if err != nil {
		return fmt.Errorf("%w: %w", ErrPublishFailed, err)
	}

	c.log.Debug().Str("message_id", aws.ToString(out.MessageId)).Msg("sms published")
	return nil
}
