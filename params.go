package isotp

import (
	"fmt"
	"time"

	"gopkg.in/ini.v1"
)

const DEFAULT_LOGGER_NAME = "isotp"

// Transport layer configuration. Optional integer fields use Unset when not
// provided. The zero value is not usable, start from DefaultParams
type Params struct {
	STmin                     int               // raw STmin advertised in outgoing flow control
	BlockSize                 int               // block size advertised in outgoing flow control
	TxDataLength              int               // max bytes per outgoing CAN frame
	TxDataMinLength           int               // pad outgoing frames up to this size, Unset to disable
	OverrideReceiverSTmin     int               // replaces the remote STmin (milliseconds), Unset to honor the peer
	RxFlowControlTimeout      time.Duration     // N_Bs
	RxConsecutiveFrameTimeout time.Duration     // N_Cr
	TxPadding                 int               // padding byte, Unset to disable
	WftMax                    int               // max wait frames accepted before giving up
	MaxFrameSize              int               // incoming declared lengths above this are rejected
	CanFd                     bool              // mark outgoing frames as CAN-FD
	BitrateSwitch             bool              // mark outgoing frames with the bitrate switch flag
	DefaultTargetAddressType  TargetAddressType //
	RateLimitEnable           bool
	RateLimitMaxBitrate       int           // bits per second
	RateLimitWindowSize       time.Duration //
	ListenMode                bool          // reassemble without ever emitting flow control
	BlockingSend              bool          // Send blocks until the transmission completes
	LoggerName                string
}

func DefaultParams() *Params {
	return &Params{
		STmin:                     0,
		BlockSize:                 8,
		TxDataLength:              8,
		TxDataMinLength:           Unset,
		OverrideReceiverSTmin:     Unset,
		RxFlowControlTimeout:      1000 * time.Millisecond,
		RxConsecutiveFrameTimeout: 1000 * time.Millisecond,
		TxPadding:                 Unset,
		WftMax:                    0,
		MaxFrameSize:              4095,
		CanFd:                     false,
		BitrateSwitch:             false,
		DefaultTargetAddressType:  Physical,
		RateLimitEnable:           false,
		RateLimitMaxBitrate:       10_000_000,
		RateLimitWindowSize:       200 * time.Millisecond,
		ListenMode:                false,
		BlockingSend:              false,
		LoggerName:                DEFAULT_LOGGER_NAME,
	}
}

func (params *Params) Validate() error {
	if params.STmin < 0 || params.STmin > 0xFF {
		return fmt.Errorf("%w: stmin must be between 0x00 and 0xFF, got %v", ErrInvalidParams, params.STmin)
	}
	if params.BlockSize < 0 || params.BlockSize > 0xFF {
		return fmt.Errorf("%w: blocksize must be between 0 and 255, got %v", ErrInvalidParams, params.BlockSize)
	}
	if !isValidCanFdSize(params.TxDataLength) || params.TxDataLength < CAN_MAX_DLEN {
		return fmt.Errorf("%w: tx_data_length must be one of 8,12,16,20,24,32,48,64, got %v", ErrInvalidParams, params.TxDataLength)
	}
	if params.TxDataLength > CAN_MAX_DLEN && !params.CanFd {
		return fmt.Errorf("%w: tx_data_length of %v requires can_fd", ErrInvalidParams, params.TxDataLength)
	}
	if params.TxDataMinLength != Unset {
		if !isValidCanFdSize(params.TxDataMinLength) || params.TxDataMinLength < 1 {
			return fmt.Errorf("%w: tx_data_min_length must be a valid CAN frame size, got %v", ErrInvalidParams, params.TxDataMinLength)
		}
		if params.TxDataMinLength > params.TxDataLength {
			return fmt.Errorf("%w: tx_data_min_length cannot exceed tx_data_length", ErrInvalidParams)
		}
	}
	if params.OverrideReceiverSTmin != Unset && params.OverrideReceiverSTmin < 0 {
		return fmt.Errorf("%w: override_receiver_stmin must be positive", ErrInvalidParams)
	}
	if params.RxFlowControlTimeout < 0 {
		return fmt.Errorf("%w: rx_flowcontrol_timeout must be positive", ErrInvalidParams)
	}
	if params.RxConsecutiveFrameTimeout < 0 {
		return fmt.Errorf("%w: rx_consecutive_frame_timeout must be positive", ErrInvalidParams)
	}
	if params.TxPadding != Unset {
		if params.TxPadding < 0 || params.TxPadding > 0xFF {
			return fmt.Errorf("%w: tx_padding must be between 0x00 and 0xFF, got %v", ErrInvalidParams, params.TxPadding)
		}
	}
	if params.WftMax < 0 {
		return fmt.Errorf("%w: wftmax must be positive", ErrInvalidParams)
	}
	if params.MaxFrameSize < 1 {
		return fmt.Errorf("%w: max_frame_size must be at least 1", ErrInvalidParams)
	}
	if params.DefaultTargetAddressType != Physical && params.DefaultTargetAddressType != Functional {
		return fmt.Errorf("%w: default_target_address_type must be physical or functional", ErrInvalidParams)
	}
	if params.RateLimitEnable {
		if params.RateLimitMaxBitrate < 1 {
			return fmt.Errorf("%w: rate_limit_max_bitrate must be at least 1 bit/s", ErrInvalidParams)
		}
		if params.RateLimitWindowSize <= 0 {
			return fmt.Errorf("%w: rate_limit_window_size must be greater than 0", ErrInvalidParams)
		}
	}
	if params.LoggerName == "" {
		return fmt.Errorf("%w: logger_name cannot be empty", ErrInvalidParams)
	}
	return nil
}

// Read parameters from the [isotp] section of an ini file. Keys that are not
// present keep their default value
func LoadParams(path string) (*Params, error) {
	cfg, err := ini.Load(path)
	if err != nil {
		return nil, err
	}
	section := cfg.Section("isotp")
	params := DefaultParams()

	intKeys := map[string]*int{
		"stmin":                   &params.STmin,
		"blocksize":               &params.BlockSize,
		"tx_data_length":          &params.TxDataLength,
		"tx_data_min_length":      &params.TxDataMinLength,
		"override_receiver_stmin": &params.OverrideReceiverSTmin,
		"tx_padding":              &params.TxPadding,
		"wftmax":                  &params.WftMax,
		"max_frame_size":          &params.MaxFrameSize,
		"rate_limit_max_bitrate":  &params.RateLimitMaxBitrate,
	}
	for key, dest := range intKeys {
		if section.HasKey(key) {
			value, err := section.Key(key).Int()
			if err != nil {
				return nil, fmt.Errorf("%w: key %v : %v", ErrInvalidParams, key, err)
			}
			*dest = value
		}
	}
	boolKeys := map[string]*bool{
		"can_fd":            &params.CanFd,
		"bitrate_switch":    &params.BitrateSwitch,
		"rate_limit_enable": &params.RateLimitEnable,
		"listen_mode":       &params.ListenMode,
		"blocking_send":     &params.BlockingSend,
	}
	for key, dest := range boolKeys {
		if section.HasKey(key) {
			value, err := section.Key(key).Bool()
			if err != nil {
				return nil, fmt.Errorf("%w: key %v : %v", ErrInvalidParams, key, err)
			}
			*dest = value
		}
	}
	if section.HasKey("rx_flowcontrol_timeout") {
		ms, err := section.Key("rx_flowcontrol_timeout").Int()
		if err != nil {
			return nil, fmt.Errorf("%w: key rx_flowcontrol_timeout : %v", ErrInvalidParams, err)
		}
		params.RxFlowControlTimeout = time.Duration(ms) * time.Millisecond
	}
	if section.HasKey("rx_consecutive_frame_timeout") {
		ms, err := section.Key("rx_consecutive_frame_timeout").Int()
		if err != nil {
			return nil, fmt.Errorf("%w: key rx_consecutive_frame_timeout : %v", ErrInvalidParams, err)
		}
		params.RxConsecutiveFrameTimeout = time.Duration(ms) * time.Millisecond
	}
	if section.HasKey("rate_limit_window_size") {
		seconds, err := section.Key("rate_limit_window_size").Float64()
		if err != nil {
			return nil, fmt.Errorf("%w: key rate_limit_window_size : %v", ErrInvalidParams, err)
		}
		params.RateLimitWindowSize = time.Duration(seconds * float64(time.Second))
	}
	if section.HasKey("default_target_address_type") {
		switch section.Key("default_target_address_type").In("physical", []string{"physical", "functional"}) {
		case "functional":
			params.DefaultTargetAddressType = Functional
		default:
			params.DefaultTargetAddressType = Physical
		}
	}
	if section.HasKey("logger_name") {
		params.LoggerName = section.Key("logger_name").String()
	}

	err = params.Validate()
	if err != nil {
		return nil, err
	}
	return params, nil
}
