package redis

import "github.com/redis/go-redis/v9"

const (
	// createSessionScript creates a session unless an open session already
	// holds the appointment/equipment slot
	createSessionScript = `
local session_key = KEYS[1]     -- equipwatch:session:{sessionID}
local open_key = KEYS[2]        -- equipwatch:sessions:open:{appointmentID}:{equipmentID}
local open_set = KEYS[3]        -- equipwatch:sessions:open
local device_key = KEYS[4]      -- equipwatch:sessions:devices:{deviceID} (set of open session ids)

local session_id = ARGV[1]
local data = ARGV[2]
local version = ARGV[3]
local status = ARGV[4]
local system_id = ARGV[5]
local device_id = ARGV[6]

if redis.call('EXISTS', open_key) == 1 then
  return 'EXISTS'
end
if redis.call('EXISTS', session_key) == 1 then
  return 'DUPLICATE'
end

redis.call('HSET', session_key,
  'id', session_id,
  'system_id', system_id,
  'device_id', device_id,
  'status', status,
  'version', version,
  'data', data
)

if status ~= 'COMPLETED' then
  redis.call('SET', open_key, session_id)
  redis.call('SADD', open_set, session_id)
  if device_id ~= '' then
    redis.call('SADD', device_key, session_id)
  end
end

return 'OK'
`

	// updateSessionScript writes a session only if the stored version matches
	// and releases its open indexes when it reaches COMPLETED
	updateSessionScript = `
local session_key = KEYS[1]     -- equipwatch:session:{sessionID}
local open_key = KEYS[2]        -- equipwatch:sessions:open:{appointmentID}:{equipmentID}
local open_set = KEYS[3]        -- equipwatch:sessions:open
local device_key = KEYS[4]      -- equipwatch:sessions:devices:{deviceID} (set of open session ids)
local completed_key = KEYS[5]   -- equipwatch:sessions:completed:{systemID}
local completed_all = KEYS[6]   -- equipwatch:sessions:completed

local session_id = ARGV[1]
local expected_version = ARGV[2]
local new_version = ARGV[3]
local status = ARGV[4]
local data = ARGV[5]
local ended_score = ARGV[6]

local current = redis.call('HGET', session_key, 'version')
if not current then
  return 'NOTFOUND'
end
if current ~= expected_version then
  return 'CONFLICT'
end

redis.call('HSET', session_key,
  'status', status,
  'version', new_version,
  'data', data
)

if status == 'COMPLETED' then
  if redis.call('GET', open_key) == session_id then
    redis.call('DEL', open_key)
  end
  redis.call('SREM', open_set, session_id)
  redis.call('SREM', device_key, session_id)
  redis.call('ZADD', completed_key, ended_score, session_id)
  redis.call('ZADD', completed_all, ended_score, session_id)
end

return 'OK'
`

	// replaceProfileScript swaps the whole profile hash in one step
	replaceProfileScript = `
local profile_key = KEYS[1]     -- equipwatch:profile:{systemID}/{equipmentID}/{serviceID}
local system_index = KEYS[2]    -- equipwatch:profiles:{systemID}
local all_index = KEYS[3]       -- equipwatch:profiles

redis.call('DEL', profile_key)
redis.call('HSET', profile_key,
  'system_id', ARGV[1],
  'equipment_id', ARGV[2],
  'service_id', ARGV[3],
  'avg_kwh_per_min', ARGV[4],
  'stddev_kwh_per_min', ARGV[5],
  'sample_count', ARGV[6],
  'updated_at', ARGV[7]
)
redis.call('SADD', system_index, profile_key)
redis.call('SADD', all_index, profile_key)

return 'OK'
`

	// createInsightScript stores an insight unless an unresolved one of the
	// same type exists for the appointment
	createInsightScript = `
local insight_key = KEYS[1]     -- equipwatch:insight:{insightID}
local open_key = KEYS[2]        -- equipwatch:insights:open:{appointmentID}:{type}
local system_index = KEYS[3]    -- equipwatch:insights:system:{systemID}
local all_index = KEYS[4]       -- equipwatch:insights

local insight_id = ARGV[1]
local data = ARGV[2]
local resolved = ARGV[3]
local score = ARGV[4]

if resolved == '0' and redis.call('EXISTS', open_key) == 1 then
  return 'EXISTS'
end

redis.call('HSET', insight_key,
  'id', insight_id,
  'resolved', resolved,
  'data', data
)
if resolved == '0' then
  redis.call('SET', open_key, insight_id)
end
redis.call('ZADD', system_index, score, insight_id)
redis.call('ZADD', all_index, score, insight_id)

return 'OK'
`

	// resolveInsightScript flips an insight to resolved exactly once
	resolveInsightScript = `
local insight_key = KEYS[1]     -- equipwatch:insight:{insightID}
local open_key = KEYS[2]        -- equipwatch:insights:open:{appointmentID}:{type}

local insight_id = ARGV[1]
local data = ARGV[2]

local resolved = redis.call('HGET', insight_key, 'resolved')
if not resolved then
  return 'NOTFOUND'
end
if resolved == '1' then
  return 'ALREADY'
end

redis.call('HSET', insight_key,
  'resolved', '1',
  'data', data
)
if redis.call('GET', open_key) == insight_id then
  redis.call('DEL', open_key)
end

return 'OK'
`
)

var (
	createSession  = redis.NewScript(createSessionScript)
	updateSession  = redis.NewScript(updateSessionScript)
	replaceProfile = redis.NewScript(replaceProfileScript)
	createInsight  = redis.NewScript(createInsightScript)
	resolveInsight = redis.NewScript(resolveInsightScript)
)
