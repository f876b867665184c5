package speech

import (
	"fmt"
	"strings"

	"github.com/BurntSushi/toml"
)

// VoiceMap 把教练/角色标识映射到合成服务的声音ID。
//
//	default = "21m00Tcm4TlvDq8ikWAM"
//
//	[voices]
//	coach-maya = "EXAVITQu4vr4xnSDxMaL"
type VoiceMap struct {
	Default string            `toml:"default"`
	Voices  map[string]string `toml:"voices"`
}

// LoadVoiceMap 读取 TOML 声音映射文件。
func LoadVoiceMap(path string) (*VoiceMap, error) {
	var vm VoiceMap
	if _, err := toml.DecodeFile(path, &vm); err != nil {
		return nil, fmt.Errorf("load voice map %s: %w", path, err)
	}
	vm.normalize()
	return &vm, nil
}

// ParseVoiceMap 从字符串解析声音映射。
func ParseVoiceMap(data string) (*VoiceMap, error) {
	var vm VoiceMap
	if _, err := toml.Decode(data, &vm); err != nil {
		return nil, fmt.Errorf("parse voice map: %w", err)
	}
	vm.normalize()
	return &vm, nil
}

func (vm *VoiceMap) normalize() {
	normalized := make(map[string]string, len(vm.Voices))
	for k, v := range vm.Voices {
		normalized[strings.ToLower(strings.TrimSpace(k))] = strings.TrimSpace(v)
	}
	vm.Voices = normalized
	vm.Default = strings.TrimSpace(vm.Default)
}

// Resolve 解析最终使用的声音ID。explicit 为客户端直接指定的值，
// 命中映射时使用映射值，否则原样使用；随后依次用 keys 查映射，最后回退到默认声音。
func (vm *VoiceMap) Resolve(explicit string, keys ...string) string {
	if explicit = strings.TrimSpace(explicit); explicit != "" {
		if voice := vm.lookup(explicit); voice != "" {
			return voice
		}
		return explicit
	}
	for _, key := range keys {
		if voice := vm.lookup(key); voice != "" {
			return voice
		}
	}
	if vm != nil {
		return vm.Default
	}
	return ""
}

func (vm *VoiceMap) lookup(key string) string {
	key = strings.ToLower(strings.TrimSpace(key))
	if vm == nil || key == "" {
		return ""
	}
	return vm.Voices[key]
}
